// Package session assembles and owns one orchestration session per
// workspace run: stores, event bus, coordination tools, tool registry,
// agent providers, pipeline, and the coordinator state machine. A manager
// keeps live sessions in an expiring in-memory cache backed by an advisory
// directory that survives restarts.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/coordinator"
	"github.com/atelier-dev/atelier/internal/coordtools"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/llm"
	"github.com/atelier-dev/atelier/internal/mcpserver"
	"github.com/atelier-dev/atelier/internal/pipeline"
	"github.com/atelier-dev/atelier/internal/provider"
	"github.com/atelier-dev/atelier/internal/registry"
	"github.com/atelier-dev/atelier/internal/store"
	"github.com/atelier-dev/atelier/internal/supervisor"
	"github.com/atelier-dev/atelier/internal/taskparse"
)

// CreateOptions tune one session at creation time. Zero values defer to
// configuration.
type CreateOptions struct {
	// Provider overrides the configured provider list with a single
	// provider name.
	Provider string
	// Providers registers pre-built providers instead of constructing any
	// from configuration. For embedders that bring their own executor.
	Providers []provider.Provider
	// AgentCmd and AgentArgs override the child agent command for the
	// process and workspace providers.
	AgentCmd  string
	AgentArgs []string
	// MaxIterations bounds craft/verify waves for this session.
	MaxIterations int
	// ParallelCrafters caps concurrent crafter runs for this session.
	ParallelCrafters int
	// OnPhase observes pipeline progress. Optional.
	OnPhase pipeline.PhaseListener
	// OnChunk receives streaming agent output. Optional.
	OnChunk provider.ChunkHandler
}

type closeStep struct {
	name string
	fn   func(ctx context.Context) error
}

// Session is one assembled orchestration stack. All collaborators share the
// session's stores and bus; nothing here is process-global.
type Session struct {
	ID          string
	WorkspaceID string
	// Provider names the registered providers, comma separated.
	Provider  string
	CreatedAt time.Time

	Stores   *store.Stores
	Bus      bus.EventBus
	Tools    *coordtools.Tools
	Registry *registry.Registry
	Router   *provider.Router
	Pipeline *pipeline.Pipeline
	Machine  *coordinator.Machine

	log       *logger.Logger
	runMu     sync.Mutex // serializes pipeline runs on this session
	closers   []closeStep
	closeOnce sync.Once
	closeErr  error
}

// newSession builds the full stack for one workspace. On any failure the
// partially built components are torn down before returning.
func newSession(ctx context.Context, id, workspaceID string, cfg *config.Config, log *logger.Logger, opts CreateOptions) (*Session, error) {
	if workspaceID == "" {
		return nil, apperrors.Invalid("workspace id is required")
	}

	active := cfg.Provider.Active
	if opts.Provider != "" {
		active = []string{opts.Provider}
	}
	if len(active) == 0 && len(opts.Providers) == 0 {
		return nil, apperrors.Configuration("no agent providers configured")
	}
	provCfg := cfg.Provider
	if opts.AgentCmd != "" {
		provCfg.AgentCmd = opts.AgentCmd
		provCfg.AgentArgs = opts.AgentArgs
	}

	slog := log.WithSessionID(id).WithWorkspaceID(workspaceID)
	var closers []closeStep
	fail := func(err error) (*Session, error) {
		unwind(context.Background(), closers, slog)
		return nil, err
	}

	stores := store.NewMemoryStores()

	provided, busClose, err := bus.Provide(cfg, slog)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStep{"bus", func(context.Context) error { return busClose() }})

	tools := coordtools.New(stores, provided.Bus, slog)
	reg := registry.New(tools, slog)

	machine, err := coordinator.New(workspaceID, provided.Bus, slog)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStep{"state machine", func(context.Context) error { machine.Close(); return nil }})

	// Each session runs its own tool server so the endpoints resolve to
	// this session's registry. With a fixed port only one session can
	// hold it; port 0 lets every session bind its own.
	var endpoints provider.EndpointResolver
	if cfg.MCP.Enabled {
		srv, mcpClose, err := mcpserver.Provide(ctx, cfg.MCP, reg, slog)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closeStep{"mcp server", func(context.Context) error { return mcpClose() }})
		endpoints = srv
	}

	router := provider.NewRouter(slog)
	closers = append(closers, closeStep{"router", router.Shutdown})
	if len(opts.Providers) > 0 {
		names := make([]string, 0, len(opts.Providers))
		for _, p := range opts.Providers {
			router.Register(p)
			names = append(names, p.Capabilities().Name)
		}
		active = names
	} else {
		var sup *supervisor.Supervisor
		supFor := func() *supervisor.Supervisor {
			if sup == nil {
				sup = supervisor.New(slog, supervisor.Options{
					PromptDeadline: provCfg.PromptTimeoutDuration(),
				})
			}
			return sup
		}
		for _, name := range active {
			var (
				p   provider.Provider
				err error
			)
			switch name {
			case "process":
				p, err = provider.NewProcessProvider(provCfg, supFor(), endpoints, slog)
			case "workspace":
				p, err = provider.NewWorkspaceProvider(provCfg, supFor(), endpoints, slog)
			case "remote":
				p, err = provider.NewRemoteProvider(provCfg, slog)
			case "llm":
				var client *llm.AnthropicClient
				client, err = llm.NewAnthropic(cfg.LLM, slog)
				if err == nil {
					p, err = provider.NewLLMProvider(client, reg, slog)
				}
			default:
				err = apperrors.Configuration(fmt.Sprintf("unknown provider %q", name))
			}
			if err != nil {
				return fail(err)
			}
			router.Register(p)
		}
	}

	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = cfg.Pipeline.MaxIterations
	}
	parallel := opts.ParallelCrafters
	if parallel <= 0 {
		parallel = cfg.Pipeline.ParallelCrafters
	}
	pl := pipeline.New(&pipeline.Deps{
		Stores:  stores,
		Tools:   tools,
		Router:  router,
		Parser:  taskparse.NewParser(slog),
		Logger:  slog,
		OnChunk: opts.OnChunk,
	}, pipeline.Options{
		MaxIterations:    maxIter,
		ParallelCrafters: parallel,
	})

	s := &Session{
		ID:          id,
		WorkspaceID: workspaceID,
		Provider:    strings.Join(active, ","),
		CreatedAt:   time.Now().UTC(),
		Stores:      stores,
		Bus:         provided.Bus,
		Tools:       tools,
		Registry:    reg,
		Router:      router,
		Pipeline:    pl,
		Machine:     machine,
		log:         slog.WithComponent("session"),
		closers:     closers,
	}
	// The machine listener registers first so user listeners observe the
	// already-updated state.
	pl.OnPhase(s.trackPhase)
	if opts.OnPhase != nil {
		pl.OnPhase(opts.OnPhase)
	}

	s.log.Info("Session created",
		zap.String("provider", s.Provider),
		zap.Int("max_iterations", maxIter))
	return s, nil
}

// trackPhase advances the state machine as the pipeline narrates its run.
// Bus-driven transitions (crafter drain to wave_complete) arrive on their
// own; here only the pipeline-driven edges are mapped.
func (s *Session) trackPhase(ev pipeline.PhaseEvent) {
	var err error
	switch ev.Phase {
	case pipeline.PhaseTasksRegistered:
		err = s.Machine.Transition(coordinator.StateReady)
	case pipeline.PhaseWaveStarted:
		err = s.Machine.Transition(coordinator.StateExecuting)
	case pipeline.PhaseVerificationStarted:
		err = s.Machine.Transition(coordinator.StateVerifying)
	case pipeline.PhaseCompleted, pipeline.PhaseMaxWavesReached:
		err = s.Machine.Transition(coordinator.StateCompleted)
	case pipeline.PhaseFailed:
		s.Machine.Fail(ev.Text)
	}
	if err != nil {
		s.log.WithError(err).Warn("State machine rejected phase transition",
			zap.String("phase", string(ev.Phase)),
			zap.String("state", string(s.Machine.State())))
	}
}

// Settle moves the machine to its terminal state after a pipeline run that
// ended without a terminal phase, such as a plan with no tasks.
func (s *Session) Settle(o *pipeline.Outcome) {
	if o == nil {
		return
	}
	st := s.Machine.State()
	if st == coordinator.StateCompleted || st == coordinator.StateError {
		return
	}
	if o.Kind == pipeline.OutcomeError {
		reason := o.FailedStage
		if o.Err != nil {
			reason = o.Err.Error()
		}
		s.Machine.Fail(reason)
		return
	}
	if err := s.Machine.Transition(coordinator.StateCompleted); err != nil {
		s.log.WithError(err).Warn("Could not settle state machine",
			zap.String("state", string(st)))
	}
}

// Close tears the session down in reverse assembly order: providers and
// their child agents first, then the tool server, machine, and bus. Safe to
// call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = unwind(ctx, s.closers, s.log)
		s.log.Info("Session closed")
	})
	return s.closeErr
}

// unwind runs close steps newest first and reports the first error.
func unwind(ctx context.Context, closers []closeStep, log *logger.Logger) error {
	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		step := closers[i]
		if err := step.fn(ctx); err != nil {
			log.WithError(err).Warn("Session teardown step failed", zap.String("step", step.name))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
