package supervisor

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/tracing"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// State is the protocol phase of an agent session.
type State string

const (
	StateSpawning    State = "spawning"
	StateInitialized State = "initialized"
	StateSessionOpen State = "session_open"
	StatePrompting   State = "prompting"
	StateCancelling  State = "cancelling"
	StateDead        State = "dead"
)

// clientInfo identifies this host in the initialize handshake.
var clientInfo = protocol.Implementation{Name: "atelier", Version: "1.0.0"}

// Session drives the wire protocol for one agent child: the
// initialize/session handshake, prompting, cancellation and shutdown.
//
// The protocol state advances Spawning -> Initialized -> SessionOpen ->
// Prompting and back; Cancelling covers the window between a cancel
// notification and the prompt finishing; Dead is terminal.
type Session struct {
	proc   *Process
	conn   *Conn
	logger *logger.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	agentInfo *protocol.Implementation
	modes     *protocol.SessionModeState
}

// NewSession wraps a started process and begins reading its output.
func NewSession(proc *Process, responder *Responder, log *logger.Logger, opts Options) *Session {
	s := &Session{
		proc:   proc,
		conn:   NewConn(proc.Stdin(), proc.Stdout(), responder, log, opts),
		logger: log.WithComponent("agent-session"),
		state:  StateSpawning,
	}
	s.conn.Start()
	go s.watchExit()
	return s
}

// newPipeSession builds a session over raw pipes, for tests.
func newPipeSession(conn *Conn, log *logger.Logger) *Session {
	s := &Session{
		conn:   conn,
		logger: log.WithComponent("agent-session"),
		state:  StateSpawning,
	}
	s.conn.Start()
	return s
}

// SetUpdateHandler registers the receiver for streamed session updates.
// Set it before Prompt so no update is missed.
func (s *Session) SetUpdateHandler(h UpdateHandler) {
	s.conn.SetUpdateHandler(h)
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the agent-assigned session id, empty before NewSession.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// AgentInfo returns the agent identity from the handshake, nil before
// Initialize.
func (s *Session) AgentInfo() *protocol.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentInfo
}

// Initialize performs the protocol handshake.
func (s *Session) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	if err := s.require(StateSpawning, "initialize"); err != nil {
		return nil, err
	}

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      clientInfo,
		Capabilities: protocol.ClientCapabilities{
			Fs:       protocol.FsCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	}
	var result protocol.InitializeResult
	if err := s.conn.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = StateInitialized
	s.agentInfo = result.AgentInfo
	s.mu.Unlock()

	name, version := "unknown", "unknown"
	if result.AgentInfo != nil {
		name, version = result.AgentInfo.Name, result.AgentInfo.Version
	}
	s.logger.Info("agent initialized",
		zap.String("agent_name", name),
		zap.String("agent_version", version),
		zap.Int("protocol_version", result.ProtocolVersion))
	return &result, nil
}

// NewSession opens the agent session. McpServers may be empty but is always
// sent; agents reject a missing array.
func (s *Session) NewSession(ctx context.Context, cwd string, mcpServers []protocol.McpServerSpec) (string, error) {
	if err := s.require(StateInitialized, "open session"); err != nil {
		return "", err
	}
	if mcpServers == nil {
		mcpServers = []protocol.McpServerSpec{}
	}

	var result protocol.NewSessionResult
	params := protocol.NewSessionParams{Cwd: cwd, McpServers: mcpServers}
	if err := s.conn.Call(ctx, protocol.MethodSessionNew, params, &result); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.state = StateSessionOpen
	s.sessionID = result.SessionID
	s.modes = result.Modes
	s.mu.Unlock()

	s.logger.Info("session opened", zap.String("session_id", result.SessionID))
	return result.SessionID, nil
}

// Prompt sends one prompt turn and blocks until the agent reports a stop
// reason. Session updates stream to the registered handler meanwhile.
func (s *Session) Prompt(ctx context.Context, text string) (*protocol.PromptResult, error) {
	s.mu.Lock()
	if s.state != StateSessionOpen {
		state := s.state
		s.mu.Unlock()
		return nil, apperrors.Invalidf("cannot prompt in state %s", state)
	}
	s.state = StatePrompting
	sessionID := s.sessionID
	s.mu.Unlock()

	ctx, span := tracing.Tracer("agent-session").Start(ctx, "acp.prompt",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	params := protocol.PromptParams{
		SessionID: sessionID,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock(text)},
	}
	var result protocol.PromptResult
	err := s.conn.Call(ctx, protocol.MethodSessionPrompt, params, &result)
	s.restoreAfterPrompt()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prompt failed")
		return nil, err
	}

	span.SetAttributes(attribute.String("stop_reason", result.StopReason))
	s.logger.Info("prompt finished", zap.String("stop_reason", result.StopReason))
	return &result, nil
}

// restoreAfterPrompt returns to SessionOpen unless the session died while
// the prompt was in flight.
func (s *Session) restoreAfterPrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StatePrompting || s.state == StateCancelling {
		s.state = StateSessionOpen
	}
}

// Cancel asks the agent to abort the in-flight prompt. The prompt call
// itself returns with stop reason "cancelled".
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePrompting {
		state := s.state
		s.mu.Unlock()
		return apperrors.Invalidf("no prompt in flight to cancel (state %s)", state)
	}
	s.state = StateCancelling
	sessionID := s.sessionID
	s.mu.Unlock()

	s.logger.Info("cancelling prompt", zap.String("session_id", sessionID))
	return s.conn.Notify(protocol.MethodSessionCancel, protocol.CancelParams{SessionID: sessionID})
}

// SetMode switches the agent operating mode.
func (s *Session) SetMode(ctx context.Context, modeID string) error {
	s.mu.Lock()
	if s.state != StateSessionOpen {
		state := s.state
		s.mu.Unlock()
		return apperrors.Invalidf("cannot set mode in state %s", state)
	}
	sessionID := s.sessionID
	s.mu.Unlock()

	params := protocol.SetModeParams{SessionID: sessionID, ModeID: modeID}
	var result protocol.SetModeResult
	return s.conn.Call(ctx, protocol.MethodSessionSetMode, params, &result)
}

// Close shuts down the connection and the child process. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateDead
	s.mu.Unlock()

	s.conn.Close()
	if s.proc != nil {
		return s.proc.Stop(ctx)
	}
	return nil
}

func (s *Session) require(state State, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != state {
		return apperrors.Invalidf("cannot %s in state %s", op, s.state)
	}
	return nil
}

// watchExit fails everything in flight when the child dies underneath us.
func (s *Session) watchExit() {
	<-s.proc.Done()

	s.mu.Lock()
	alreadyDead := s.state == StateDead
	s.state = StateDead
	s.mu.Unlock()

	err := apperrors.Transport("agent process exited", s.proc.ExitError())
	s.conn.FailAll(err)

	if !alreadyDead {
		tail := s.proc.StderrTail(10)
		s.logger.Warn("agent process exited unexpectedly",
			zap.Int("exit_code", s.proc.ExitCode()),
			zap.String("stderr_tail", strings.Join(tail, "\n")))
	}
}
