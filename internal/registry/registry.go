// Package registry binds the coordination tool surface to agent roles.
// Each role sees a different slice of the tools: the coordinator gets the
// full set, crafters get the subset needed to work a task and report, and
// verifiers get a read-and-report subset. Transports (the MCP server, the
// LLM provider) render the same definitions into their own tool formats
// and funnel calls through Invoke.
package registry

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/coordtools"
	"github.com/atelier-dev/atelier/internal/model"
)

// Tool names as exposed to agents.
const (
	ToolCreateAgent      = "create_agent"
	ToolDelegateTask     = "delegate_task"
	ToolReportToParent   = "report_to_parent"
	ToolSendMessage      = "send_message"
	ToolBroadcastMessage = "broadcast_message"
	ToolListAgents       = "list_agents"
	ToolGetAgentStatus   = "get_agent_status"
	ToolListTasks        = "list_tasks"
	ToolUpdateTaskStatus = "update_task_status"
	ToolWaitForAgents    = "wait_for_agents"
)

// roleTools fixes which tools each role may call.
var roleTools = map[model.Role][]string{
	model.RoleCoordinator: {
		ToolCreateAgent, ToolDelegateTask, ToolReportToParent, ToolSendMessage,
		ToolBroadcastMessage, ToolListAgents, ToolGetAgentStatus, ToolListTasks,
		ToolUpdateTaskStatus, ToolWaitForAgents,
	},
	model.RoleCrafter: {
		ToolReportToParent, ToolGetAgentStatus, ToolListTasks, ToolSendMessage,
		ToolUpdateTaskStatus,
	},
	model.RoleVerifier: {
		ToolListTasks, ToolListAgents, ToolGetAgentStatus, ToolReportToParent,
		ToolSendMessage,
	},
}

// Param describes one tool argument for schema rendering.
type Param struct {
	Name        string
	Type        string // "string", "integer", "boolean", "array"
	Items       string // element type when Type is "array"
	Description string
	Required    bool
	Enum        []string
}

// Definition describes one tool: its wire name, agent-facing description,
// and argument schema.
type Definition struct {
	Name        string
	Description string
	Params      []Param
}

// InputSchema renders the definition as a JSON Schema object, the format
// both MCP clients and LLM tool-calling APIs expect.
func (d Definition) InputSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == "array" {
			prop["items"] = map[string]any{"type": p.Items}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

type toolEntry struct {
	def    Definition
	invoke func(ctx context.Context, args json.RawMessage) coordtools.Result
}

// Registry holds the tool definitions and their role bindings.
type Registry struct {
	tools   *coordtools.Tools
	logger  *logger.Logger
	ordered []string
	byName  map[string]*toolEntry
	allowed map[model.Role]map[string]bool
}

// New creates a registry over the coordination tool set.
func New(tools *coordtools.Tools, log *logger.Logger) *Registry {
	r := &Registry{
		tools:   tools,
		logger:  log.WithComponent("registry"),
		byName:  make(map[string]*toolEntry),
		allowed: make(map[model.Role]map[string]bool, len(roleTools)),
	}
	for role, names := range roleTools {
		set := make(map[string]bool, len(names))
		for _, name := range names {
			set[name] = true
		}
		r.allowed[role] = set
	}
	r.registerAll()
	return r
}

func (r *Registry) register(def Definition, invoke func(ctx context.Context, args json.RawMessage) coordtools.Result) {
	r.ordered = append(r.ordered, def.Name)
	r.byName[def.Name] = &toolEntry{def: def, invoke: invoke}
}

// Definitions returns the tool definitions visible to a role, in canonical
// order.
func (r *Registry) Definitions(role model.Role) []Definition {
	allowed := r.allowed[role]
	defs := make([]Definition, 0, len(allowed))
	for _, name := range r.ordered {
		if allowed[name] {
			defs = append(defs, r.byName[name].def)
		}
	}
	return defs
}

// Allowed reports whether a role may call a tool.
func (r *Registry) Allowed(role model.Role, name string) bool {
	return r.allowed[role][name]
}

// Invoke runs a tool on behalf of a role. Unknown and disallowed tools are
// Go errors; everything after that point is reported in the Result, so the
// transport can relay tool failures to the agent as text.
func (r *Registry) Invoke(ctx context.Context, role model.Role, name string, args json.RawMessage) (coordtools.Result, error) {
	entry, exists := r.byName[name]
	if !exists {
		return coordtools.Result{}, apperrors.NotFound("tool", name)
	}
	if !r.allowed[role][name] {
		return coordtools.Result{}, apperrors.Invalidf("tool %s is not available to role %s", name, role)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	res := entry.invoke(ctx, args)
	if !res.Success {
		r.logger.Debug("Tool call failed",
			zap.String("tool", name),
			zap.String("role", string(role)),
			zap.String("reason", res.Error))
	}
	return res, nil
}

// invokeAs decodes args into P and calls the tool method. Malformed
// arguments are a tool failure, not a transport error.
func invokeAs[P any](call func(ctx context.Context, p P) coordtools.Result) func(ctx context.Context, args json.RawMessage) coordtools.Result {
	return func(ctx context.Context, args json.RawMessage) coordtools.Result {
		var p P
		if err := json.Unmarshal(args, &p); err != nil {
			return coordtools.Result{Success: false, Error: "invalid arguments: " + err.Error()}
		}
		return call(ctx, p)
	}
}
