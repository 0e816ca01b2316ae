package supervisor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// SpawnSpec describes the agent child to launch for one agent.
type SpawnSpec struct {
	Command    []string
	Dir        string
	Env        []string
	McpServers []protocol.McpServerSpec

	// Mode selects the agent operating mode after the session opens.
	// Failures are tolerated; not every agent implements modes.
	Mode string
}

// Supervisor tracks one live Session per agent id.
type Supervisor struct {
	logger *logger.Logger
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an empty supervisor.
func New(log *logger.Logger, opts Options) *Supervisor {
	return &Supervisor{
		logger:   log.WithComponent("supervisor"),
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// SpawnAgent starts the child, runs the handshake, opens a session and
// selects the requested mode. The returned session is ready to prompt.
func (s *Supervisor) SpawnAgent(ctx context.Context, agentID string, spec SpawnSpec) (*Session, error) {
	s.mu.Lock()
	if _, exists := s.sessions[agentID]; exists {
		s.mu.Unlock()
		return nil, apperrors.Invalidf("agent %s already has a session", agentID)
	}
	// Reserve the slot so concurrent spawns for the same agent collide here
	// rather than racing the handshake.
	s.sessions[agentID] = nil
	s.mu.Unlock()

	sess, err := s.spawn(ctx, agentID, spec)

	s.mu.Lock()
	if err != nil {
		delete(s.sessions, agentID)
	} else {
		s.sessions[agentID] = sess
	}
	s.mu.Unlock()

	return sess, err
}

func (s *Supervisor) spawn(ctx context.Context, agentID string, spec SpawnSpec) (*Session, error) {
	log := s.logger.WithAgentID(agentID)

	proc := NewProcess(ProcessConfig{
		Command: spec.Command,
		Dir:     spec.Dir,
		Env:     spec.Env,
	}, log)
	if err := proc.Start(ctx); err != nil {
		return nil, apperrors.Transport(fmt.Sprintf("failed to spawn agent %s", agentID), err)
	}

	responder := NewResponder(log, WithWorkspaceRoot(spec.Dir))
	sess := NewSession(proc, responder, log, s.opts)

	if _, err := sess.Initialize(ctx); err != nil {
		_ = sess.Close(ctx)
		return nil, err
	}
	if _, err := sess.NewSession(ctx, spec.Dir, spec.McpServers); err != nil {
		_ = sess.Close(ctx)
		return nil, err
	}
	if spec.Mode != "" {
		if err := sess.SetMode(ctx, spec.Mode); err != nil {
			log.Warn("agent rejected mode selection",
				zap.String("mode", spec.Mode),
				zap.Error(err))
		}
	}
	return sess, nil
}

// Get returns the session for an agent.
func (s *Supervisor) Get(agentID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[agentID]
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// Count returns the number of live sessions.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess != nil {
			n++
		}
	}
	return n
}

// KillAgent tears down one agent's session and process.
func (s *Supervisor) KillAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[agentID]
	delete(s.sessions, agentID)
	s.mu.Unlock()

	if !ok || sess == nil {
		return apperrors.NotFound("agent session", agentID)
	}
	return sess.Close(ctx)
}

// KillAll tears down every session in parallel and reports the first error.
func (s *Supervisor) KillAll(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			return sess.Close(ctx)
		})
	}
	return g.Wait()
}
