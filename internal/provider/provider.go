// Package provider defines the executors that run agents and the
// capability-based router that picks one per role.
//
// A provider declares what it can do through Capabilities; a role declares
// what it needs through Requirements. The router selects the highest-priority
// provider whose capabilities satisfy the role's requirements, with ties
// resolved by registration order. Four executors ship with the engine: a
// supervised child process per agent, a shared child per workspace, a remote
// HTTP+SSE service, and an in-process tool-calling loop over the LLM client.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// Capabilities describes what one provider can do. Priority orders
// candidates during selection; higher wins.
type Capabilities struct {
	Name                string `json:"name"`
	SupportsStreaming   bool   `json:"supports_streaming"`
	SupportsInterrupt   bool   `json:"supports_interrupt"`
	SupportsHealthCheck bool   `json:"supports_health_check"`
	SupportsFileEditing bool   `json:"supports_file_editing"`
	SupportsTerminal    bool   `json:"supports_terminal"`
	SupportsToolCalling bool   `json:"supports_tool_calling"`
	MaxConcurrentAgents int    `json:"max_concurrent_agents"`
	Priority            int    `json:"priority"`
}

// Summary renders a short human-readable capability line for routing errors.
func (c Capabilities) Summary() string {
	var have []string
	if c.SupportsToolCalling {
		have = append(have, "tool_calling")
	}
	if c.SupportsFileEditing {
		have = append(have, "file_editing")
	}
	if c.SupportsTerminal {
		have = append(have, "terminal")
	}
	if len(have) == 0 {
		have = append(have, "none")
	}
	return fmt.Sprintf("%s[%s] priority=%d", c.Name, strings.Join(have, ","), c.Priority)
}

// Requirements is the capability set a role needs from its executor.
type Requirements struct {
	ToolCalling bool
	FileEditing bool
	Terminal    bool
}

// RequirementsForRole maps a role onto its executor requirements. The
// verifier needs a terminal to run verification commands; keeping it from
// editing files is a prompt concern, not a capability one.
func RequirementsForRole(role model.Role) Requirements {
	switch role {
	case model.RoleCoordinator:
		return Requirements{ToolCalling: true}
	case model.RoleCrafter:
		return Requirements{FileEditing: true, Terminal: true}
	case model.RoleVerifier:
		return Requirements{Terminal: true}
	default:
		return Requirements{}
	}
}

// Satisfies reports whether the capabilities cover every requirement.
func (c Capabilities) Satisfies(r Requirements) bool {
	if r.ToolCalling && !c.SupportsToolCalling {
		return false
	}
	if r.FileEditing && !c.SupportsFileEditing {
		return false
	}
	if r.Terminal && !c.SupportsTerminal {
		return false
	}
	return true
}

// String lists the required capabilities, for routing errors.
func (r Requirements) String() string {
	var needs []string
	if r.ToolCalling {
		needs = append(needs, "tool_calling")
	}
	if r.FileEditing {
		needs = append(needs, "file_editing")
	}
	if r.Terminal {
		needs = append(needs, "terminal")
	}
	if len(needs) == 0 {
		return "none"
	}
	return strings.Join(needs, "+")
}

// Request describes one agent invocation.
type Request struct {
	AgentID      string
	WorkspaceID  string
	Role         model.Role
	Model        model.ModelTier
	SystemPrompt string
	Prompt       string

	// Cwd is the working directory for executors that run on a filesystem.
	Cwd string

	// McpServers are extra coordination endpoints handed to child agents,
	// on top of the provider's own.
	McpServers []protocol.McpServerSpec
}

// Result is the final outcome of a Run.
type Result struct {
	// Output is the agent's accumulated message text.
	Output string

	StopReason string

	// Report is set when the executor itself observed a completion report
	// (the in-process loop). Child processes report through the
	// coordination tools instead, so the report lands in the stores.
	Report *model.CompletionReport
}

// ChunkHandler receives stream chunks during RunStreaming. Handlers must not
// block; providers call them inline from their read loops.
type ChunkHandler func(chunk StreamChunk)

// Provider executes agents for roles whose requirements it satisfies.
type Provider interface {
	Capabilities() Capabilities

	// Run executes one prompt turn for the agent and blocks until done.
	Run(ctx context.Context, req Request) (*Result, error)

	// RunStreaming is Run with incremental chunks delivered to h.
	RunStreaming(ctx context.Context, req Request, h ChunkHandler) error

	// IsHealthy reports executor health. An empty agentID asks about the
	// provider itself; a known agent id asks about that agent's session.
	// Providers report true for agents they have no record of.
	IsHealthy(ctx context.Context, agentID string) bool

	// Interrupt asks the agent's in-flight run to stop. Best effort.
	Interrupt(ctx context.Context, agentID string) error

	// Cleanup releases per-agent resources.
	Cleanup(ctx context.Context, agentID string) error

	// Shutdown releases everything. The provider is unusable afterwards.
	Shutdown(ctx context.Context) error
}
