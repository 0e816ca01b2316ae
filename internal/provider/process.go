package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/supervisor"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// Agent operating modes selected by role: coordinators and verifiers plan,
// crafters build.
const (
	ModePlan  = "plan"
	ModeBuild = "build"
)

func modeForRole(role model.Role) string {
	if role == model.RoleCrafter {
		return ModeBuild
	}
	return ModePlan
}

// EndpointResolver supplies the per-role coordination endpoint handed to
// child agents. *mcpserver.Server satisfies it.
type EndpointResolver interface {
	SSEEndpoint(role model.Role) string
}

// ProcessProvider runs one supervised child process per agent. Sessions
// survive between runs so a delegated agent can be woken with a follow-up
// prompt; Cleanup tears the child down.
type ProcessProvider struct {
	sup       *supervisor.Supervisor
	command   []string
	endpoints EndpointResolver
	logger    *logger.Logger

	maxAgents     int
	promptTimeout time.Duration
	slots         chan struct{}
}

var _ Provider = (*ProcessProvider)(nil)

// NewProcessProvider builds a process provider from configuration.
func NewProcessProvider(cfg config.ProviderConfig, sup *supervisor.Supervisor, endpoints EndpointResolver, log *logger.Logger) (*ProcessProvider, error) {
	if strings.TrimSpace(cfg.AgentCmd) == "" {
		return nil, apperrors.Configuration("process provider requires an agent command")
	}
	maxAgents := cfg.MaxConcurrentAgents
	if maxAgents <= 0 {
		maxAgents = 4
	}
	return &ProcessProvider{
		sup:           sup,
		command:       append([]string{cfg.AgentCmd}, cfg.AgentArgs...),
		endpoints:     endpoints,
		logger:        log.WithComponent("process-provider"),
		maxAgents:     maxAgents,
		promptTimeout: cfg.PromptTimeoutDuration(),
		slots:         make(chan struct{}, maxAgents),
	}, nil
}

// Capabilities implements Provider.
func (p *ProcessProvider) Capabilities() Capabilities {
	return Capabilities{
		Name:                "process",
		SupportsStreaming:   true,
		SupportsInterrupt:   true,
		SupportsHealthCheck: true,
		SupportsFileEditing: true,
		SupportsTerminal:    true,
		SupportsToolCalling: true,
		MaxConcurrentAgents: p.maxAgents,
		Priority:            10,
	}
}

// Run implements Provider.
func (p *ProcessProvider) Run(ctx context.Context, req Request) (*Result, error) {
	var out strings.Builder
	var mu sync.Mutex
	res, err := p.run(ctx, req, func(c StreamChunk) {
		if c.Type == ChunkText {
			mu.Lock()
			out.WriteString(c.Text)
			mu.Unlock()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: out.String(), StopReason: res.StopReason}, nil
}

// RunStreaming implements Provider.
func (p *ProcessProvider) RunStreaming(ctx context.Context, req Request, h ChunkHandler) error {
	res, err := p.run(ctx, req, h)
	if err != nil {
		h(errorChunk(req.AgentID, err, false))
		return err
	}
	h(completedChunk(req.AgentID, res.StopReason))
	return nil
}

func (p *ProcessProvider) run(ctx context.Context, req Request, h ChunkHandler) (*protocol.PromptResult, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	sess, fresh, err := p.session(ctx, req)
	if err != nil {
		return nil, err
	}

	tr := &updateTranslator{agentID: req.AgentID}
	sess.SetUpdateHandler(func(n *protocol.SessionNotification) {
		for _, c := range tr.translate(n) {
			h(c)
		}
	})
	defer sess.SetUpdateHandler(nil)

	prompt := req.Prompt
	if fresh && req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + req.Prompt
	}

	promptCtx := ctx
	if p.promptTimeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(ctx, p.promptTimeout)
		defer cancel()
	}

	res, err := sess.Prompt(promptCtx, prompt)
	for _, c := range tr.finish() {
		h(c)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// session returns the agent's live session, spawning the child on first use.
func (p *ProcessProvider) session(ctx context.Context, req Request) (*supervisor.Session, bool, error) {
	if sess, ok := p.sup.Get(req.AgentID); ok {
		if sess.State() == supervisor.StateDead {
			return nil, false, apperrors.Transport("agent process is dead", nil)
		}
		return sess, false, nil
	}

	sess, err := p.sup.SpawnAgent(ctx, req.AgentID, supervisor.SpawnSpec{
		Command:    p.command,
		Dir:        req.Cwd,
		McpServers: p.mcpServers(req),
		Mode:       modeForRole(req.Role),
	})
	if err != nil {
		return nil, false, err
	}
	p.logger.Info("agent child spawned",
		zap.String("agent_id", req.AgentID),
		zap.String("role", string(req.Role)))
	return sess, true, nil
}

func (p *ProcessProvider) mcpServers(req Request) []protocol.McpServerSpec {
	specs := append([]protocol.McpServerSpec(nil), req.McpServers...)
	if p.endpoints != nil {
		if url := p.endpoints.SSEEndpoint(req.Role); url != "" {
			specs = append(specs, protocol.McpServerSpec{
				Name: "atelier-coordination",
				URL:  url,
				Type: "sse",
			})
		}
	}
	return specs
}

func (p *ProcessProvider) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ProcessProvider) release() {
	<-p.slots
}

// IsHealthy implements Provider.
func (p *ProcessProvider) IsHealthy(ctx context.Context, agentID string) bool {
	if agentID == "" {
		return true
	}
	sess, ok := p.sup.Get(agentID)
	if !ok {
		return true
	}
	return sess.State() != supervisor.StateDead
}

// Interrupt implements Provider. Cancelling when no prompt is in flight is
// not an error; the interrupt is best effort.
func (p *ProcessProvider) Interrupt(ctx context.Context, agentID string) error {
	sess, ok := p.sup.Get(agentID)
	if !ok {
		return apperrors.NotFound("agent session", agentID)
	}
	if err := sess.Cancel(ctx); err != nil && !apperrors.IsInvalid(err) {
		return err
	}
	return nil
}

// Cleanup implements Provider.
func (p *ProcessProvider) Cleanup(ctx context.Context, agentID string) error {
	return p.sup.KillAgent(ctx, agentID)
}

// Shutdown implements Provider.
func (p *ProcessProvider) Shutdown(ctx context.Context) error {
	return p.sup.KillAll(ctx)
}

// updateTranslator maps wire session updates onto stream chunks. It tracks
// whether a thought is open so thinking chunks carry start/chunk/end phases.
type updateTranslator struct {
	agentID  string
	thinking bool
}

func (t *updateTranslator) translate(n *protocol.SessionNotification) []StreamChunk {
	if n == nil {
		return nil
	}
	u := n.Update
	switch u.Kind {
	case protocol.UpdateAgentThoughtChunk:
		phase := PhaseChunk
		if !t.thinking {
			t.thinking = true
			phase = PhaseStart
		}
		text := ""
		if u.Content != nil {
			text = u.Content.Text
		}
		return []StreamChunk{thinkingChunk(t.agentID, phase, text)}

	case protocol.UpdateAgentMessageChunk:
		text := ""
		if u.Content != nil {
			text = u.Content.Text
		}
		return append(t.closeThought(), textChunk(t.agentID, text))

	case protocol.UpdateToolCall, protocol.UpdateToolCallUpdate:
		chunks := t.closeThought()
		call := newChunk(t.agentID, ChunkToolCall)
		call.ToolName = u.Title
		call.ToolCallID = u.ToolCallID
		call.Status = toolStatus(u.Status)
		chunks = append(chunks, call)
		if len(u.RawOutput) > 0 {
			result := newChunk(t.agentID, ChunkToolResult)
			result.ToolCallID = u.ToolCallID
			result.ToolName = u.Title
			result.Text = string(u.RawOutput)
			chunks = append(chunks, result)
		}
		return chunks

	default:
		// Plan, usage and mode updates carry no chunk equivalent.
		return nil
	}
}

// finish closes a dangling thought at end of prompt.
func (t *updateTranslator) finish() []StreamChunk {
	return t.closeThought()
}

func (t *updateTranslator) closeThought() []StreamChunk {
	if !t.thinking {
		return nil
	}
	t.thinking = false
	return []StreamChunk{thinkingChunk(t.agentID, PhaseEnd, "")}
}

func toolStatus(wire string) string {
	switch wire {
	case protocol.ToolStatusCompleted:
		return ToolCallCompleted
	case protocol.ToolStatusFailed:
		return ToolCallFailed
	default:
		return ToolCallInProgress
	}
}
