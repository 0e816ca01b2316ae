package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/registry"
	"github.com/atelier-dev/atelier/pkg/acp/jsonrpc"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// HostFS is the file surface the responder serves agent requests from.
// *registry.LocalHostTools satisfies it.
type HostFS interface {
	ReadFile(ctx context.Context, path string, line, limit int) (string, error)
	WriteFile(ctx context.Context, path, content string) error
}

// Responder answers agent-initiated requests on the wire connection.
// Permission requests are auto-approved toward the first allow option, file
// operations are delegated to the host file surface, and terminal methods
// return benign stubs so agents that probe for terminal support keep
// working.
type Responder struct {
	workspaceRoot string
	host          HostFS
	logger        *logger.Logger
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithWorkspaceRoot sets the root reported to agents for file operations.
func WithWorkspaceRoot(root string) ResponderOption {
	return func(r *Responder) {
		r.workspaceRoot = root
	}
}

// WithHostFS replaces the default local filesystem host.
func WithHostFS(host HostFS) ResponderOption {
	return func(r *Responder) {
		r.host = host
	}
}

// NewResponder creates a responder.
func NewResponder(log *logger.Logger, opts ...ResponderOption) *Responder {
	r := &Responder{
		workspaceRoot: "/workspace",
		logger:        log.WithComponent("host-responder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.host == nil {
		r.host = registry.NewLocalHostTools(r.workspaceRoot, log)
	}
	return r
}

// Handle produces the response for one agent request.
func (r *Responder) Handle(req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case protocol.MethodRequestPermission:
		return r.handlePermission(req)
	case protocol.MethodFsReadTextFile:
		return r.handleReadTextFile(req)
	case protocol.MethodFsWriteTextFile:
		return r.handleWriteTextFile(req)
	case protocol.MethodTerminalCreate:
		return r.result(req.ID, protocol.TerminalCreateResult{TerminalID: "t-1"})
	case protocol.MethodTerminalOutput:
		return r.result(req.ID, protocol.TerminalOutputResult{Output: "", Truncated: false})
	case protocol.MethodTerminalKill:
		return r.result(req.ID, protocol.TerminalKillResult{})
	case protocol.MethodTerminalRelease:
		return r.result(req.ID, protocol.TerminalReleaseResult{})
	case protocol.MethodTerminalWaitForExit:
		exitCode := 0
		return r.result(req.ID, protocol.TerminalWaitForExitResult{
			ExitStatus: protocol.TerminalExitStatus{ExitCode: &exitCode},
		})
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handlePermission auto-approves by selecting the first allow option.
func (r *Responder) handlePermission(req *jsonrpc.Request) *jsonrpc.Response {
	var params protocol.RequestPermissionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, err.Error())
	}

	r.logger.Info("received permission request",
		zap.String("session_id", params.SessionID),
		zap.String("tool_call_id", params.ToolCall.ToolCallID),
		zap.String("title", params.ToolCall.Title),
		zap.Int("num_options", len(params.Options)))

	if len(params.Options) == 0 {
		r.logger.Warn("no options available, cancelling permission request")
		return r.result(req.ID, protocol.RequestPermissionResult{
			Outcome: protocol.PermissionOutcome{Outcome: protocol.OutcomeCancelled},
		})
	}

	var selected *protocol.PermissionOption
	for i := range params.Options {
		opt := &params.Options[i]
		if opt.Kind == protocol.PermissionAllowOnce || opt.Kind == protocol.PermissionAllowAlways {
			selected = opt
			break
		}
	}
	if selected == nil {
		selected = &params.Options[0]
	}

	r.logger.Info("auto-approving permission request",
		zap.String("option_id", selected.OptionID),
		zap.String("kind", selected.Kind))

	return r.result(req.ID, protocol.RequestPermissionResult{
		Outcome: protocol.PermissionOutcome{
			Outcome:  protocol.OutcomeSelected,
			OptionID: selected.OptionID,
		},
	})
}

func (r *Responder) handleReadTextFile(req *jsonrpc.Request) *jsonrpc.Response {
	var params protocol.ReadTextFileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, err.Error())
	}
	r.logger.Debug("reading file", zap.String("path", params.Path))

	// The wire protocol requires absolute paths; relative resolution is the
	// agent's job, it knows its cwd.
	if !filepath.IsAbs(params.Path) {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeHostError,
			fmt.Sprintf("path must be absolute: %s", params.Path))
	}

	var line, limit int
	if params.Line != nil {
		line = *params.Line
	}
	if params.Limit != nil {
		limit = *params.Limit
	}
	content, err := r.host.ReadFile(context.Background(), params.Path, line, limit)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeHostError, err.Error())
	}

	return r.result(req.ID, protocol.ReadTextFileResult{Content: content})
}

func (r *Responder) handleWriteTextFile(req *jsonrpc.Request) *jsonrpc.Response {
	var params protocol.WriteTextFileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, err.Error())
	}
	r.logger.Debug("writing file", zap.String("path", params.Path))

	if !filepath.IsAbs(params.Path) {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeHostError,
			fmt.Sprintf("path must be absolute: %s", params.Path))
	}

	if err := r.host.WriteFile(context.Background(), params.Path, params.Content); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeHostError, err.Error())
	}

	return r.result(req.ID, protocol.WriteTextFileResult{})
}

func (r *Responder) result(id *int64, v interface{}) *jsonrpc.Response {
	resp, err := jsonrpc.NewResult(id, v)
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, "failed to encode result")
	}
	return resp
}
