// Package pipeline drives one orchestration run: plan the work, register
// the parsed tasks, execute crafters over the ready set, and gate the wave
// behind a verifier. Stages are pluggable; the engine owns iteration,
// panic containment, and phase notification.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/coordtools"
	"github.com/atelier-dev/atelier/internal/provider"
	"github.com/atelier-dev/atelier/internal/store"
	"github.com/atelier-dev/atelier/internal/taskparse"
	"github.com/atelier-dev/atelier/internal/tracing"
)

// DefaultMaxIterations bounds the craft/verify loop when the caller does
// not choose a budget.
const DefaultMaxIterations = 3

// defaultReportGrace is how long a stage waits for an agent's
// report_to_parent after its stream has closed. Remote transports can
// deliver the tool call slightly behind the stream.
const defaultReportGrace = 10 * time.Second

// Stage is one step of the run loop.
type Stage interface {
	Name() string
	Run(ctx context.Context, c *Context) StageResult
}

type resultKind int

const (
	kindContinue resultKind = iota
	kindSkip
	kindRepeat
	kindFinish
	kindFail
)

// StageResult tells the engine what to do after a stage returns. Construct
// one with Continue, SkipRemaining, RepeatFrom, Finish, or Fail.
type StageResult struct {
	kind       resultKind
	outcome    *Outcome
	repeatFrom string
	err        error
}

// Continue advances to the next stage.
func Continue() StageResult { return StageResult{kind: kindContinue} }

// SkipRemaining terminates the pipeline early with the given outcome.
func SkipRemaining(o *Outcome) StageResult { return StageResult{kind: kindSkip, outcome: o} }

// RepeatFrom starts a new iteration at the named stage; stages before it do
// not run again. An empty name repeats from the issuing stage.
func RepeatFrom(stage string) StageResult { return StageResult{kind: kindRepeat, repeatFrom: stage} }

// Finish terminates the pipeline with the given outcome.
func Finish(o *Outcome) StageResult { return StageResult{kind: kindFinish, outcome: o} }

// Fail terminates the pipeline with an error outcome tagged with the
// failing stage's name.
func Fail(err error) StageResult { return StageResult{kind: kindFail, err: err} }

// Deps are the collaborators stages work through. All fields except
// OnChunk are required.
type Deps struct {
	Stores *store.Stores
	Tools  *coordtools.Tools
	Router *provider.Router
	Parser *taskparse.Parser
	Logger *logger.Logger

	// OnChunk receives every streaming chunk from agent runs. Optional.
	OnChunk provider.ChunkHandler
}

// Options tune one pipeline instance.
type Options struct {
	// MaxIterations bounds craft/verify waves; zero selects
	// DefaultMaxIterations.
	MaxIterations int
	// ParallelCrafters caps concurrent crafter runs; values below two run
	// the wave serially. The selected provider's MaxConcurrentAgents still
	// applies.
	ParallelCrafters int
	// ReportGrace overrides the post-stream report wait. Zero selects the
	// default.
	ReportGrace time.Duration
	// Stages replaces the default stage list when set.
	Stages []Stage
}

// Context carries one run's accumulated state through the stages.
type Context struct {
	WorkspaceID string
	Prompt      string

	// CoordinatorID is the planning agent; crafters and verifiers report
	// to it.
	CoordinatorID string
	PlanText      string
	// TaskIDs are every task registered this run, in registration order.
	TaskIDs []string
	// WaveTaskIDs are the tasks the current wave worked on.
	WaveTaskIDs []string
	Wave        int

	Parallel    int
	ReportGrace time.Duration

	Deps *Deps

	emit func(ev PhaseEvent)
}

// Emit publishes a phase event to the pipeline's listeners.
func (c *Context) Emit(ev PhaseEvent) {
	if c.emit != nil {
		c.emit(ev)
	}
}

// runAgent streams one agent run through the router for the given role,
// forwarding chunks to the session handler and collecting the message text.
func (c *Context) runAgent(ctx context.Context, req provider.Request) (string, error) {
	var out []byte
	err := c.Deps.Router.RunStreamingForRole(ctx, req.Role, req, func(chunk provider.StreamChunk) {
		if chunk.Type == provider.ChunkText {
			out = append(out, chunk.Text...)
		}
		if c.Deps.OnChunk != nil {
			c.Deps.OnChunk(chunk)
		}
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Request names the work one Execute call performs.
type Request struct {
	WorkspaceID string
	Prompt      string
}

// Pipeline is a reusable run loop over a fixed stage list.
type Pipeline struct {
	deps          *Deps
	stages        []Stage
	maxIterations int
	parallel      int
	reportGrace   time.Duration
	log           *logger.Logger

	mu        sync.Mutex // guards listeners
	emitMu    sync.Mutex // serializes listener dispatch
	listeners []PhaseListener
}

// New builds a pipeline over the default stages unless Options.Stages says
// otherwise.
func New(deps *Deps, opts Options) *Pipeline {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	grace := opts.ReportGrace
	if grace <= 0 {
		grace = defaultReportGrace
	}
	stages := opts.Stages
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	return &Pipeline{
		deps:          deps,
		stages:        stages,
		maxIterations: maxIter,
		parallel:      opts.ParallelCrafters,
		reportGrace:   grace,
		log:           deps.Logger.WithComponent("pipeline"),
	}
}

// OnPhase registers a progress listener. Safe to call concurrently with a
// running Execute; the listener sees phases emitted after registration.
func (p *Pipeline) OnPhase(l PhaseListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Execute runs the stage loop to completion and always returns an outcome;
// stage failures and cancellation come back as OutcomeError rather than a
// Go error.
func (p *Pipeline) Execute(ctx context.Context, req Request) *Outcome {
	c := &Context{
		WorkspaceID: req.WorkspaceID,
		Prompt:      req.Prompt,
		Parallel:    p.parallel,
		ReportGrace: p.reportGrace,
		Deps:        p.deps,
		emit:        p.emitPhase,
	}

	start := 0
iterations:
	for iteration := 1; ; iteration++ {
		for i := start; i < len(p.stages); i++ {
			stage := p.stages[i]
			if err := ctx.Err(); err != nil {
				return p.failed(ctx, c, stage.Name(), err)
			}

			res := runStage(ctx, stage, c)
			switch res.kind {
			case kindContinue:
				continue
			case kindSkip, kindFinish:
				return p.finalize(ctx, c, res.outcome)
			case kindFail:
				return p.failed(ctx, c, stage.Name(), res.err)
			case kindRepeat:
				target := res.repeatFrom
				if target == "" {
					target = stage.Name()
				}
				idx := p.stageIndex(target)
				if idx < 0 {
					err := apperrors.Internal(fmt.Sprintf("repeat target %q is not a stage", target), nil)
					return p.failed(ctx, c, stage.Name(), err)
				}
				if idx > i {
					err := apperrors.Internal(fmt.Sprintf("repeat target %q is ahead of %s", target, stage.Name()), nil)
					return p.failed(ctx, c, stage.Name(), err)
				}
				if iteration >= p.maxIterations {
					p.log.Warn("Iteration budget exhausted",
						zap.Int("waves", c.Wave),
						zap.Int("budget", p.maxIterations))
					p.emitPhase(PhaseEvent{Phase: PhaseMaxWavesReached, Wave: c.Wave})
					return p.finalize(ctx, c, &Outcome{Kind: OutcomeMaxWaves})
				}
				start = idx
				continue iterations
			}
		}
		// Ran off the end of the stage list: nothing left to do.
		return p.finalize(ctx, c, &Outcome{Kind: OutcomeSuccess})
	}
}

// runStage contains a stage panic and converts it to a failure result.
func runStage(ctx context.Context, stage Stage, c *Context) (res StageResult) {
	ctx, span := tracing.Tracer("pipeline").Start(ctx, "stage."+stage.Name(),
		trace.WithAttributes(
			attribute.String("workspace_id", c.WorkspaceID),
			attribute.Int("wave", c.Wave),
		))
	defer func() {
		if r := recover(); r != nil {
			res = Fail(apperrors.Internal(fmt.Sprintf("stage %s panicked: %v", stage.Name(), r), nil))
		}
		if res.kind == kindFail && res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.End()
	}()
	return stage.Run(ctx, c)
}

func (p *Pipeline) stageIndex(name string) int {
	return slices.IndexFunc(p.stages, func(s Stage) bool { return s.Name() == name })
}

// finalize fills an outcome with the run state the stage did not set
// itself: plan text, wave count, and the latest stored task summaries.
func (p *Pipeline) finalize(ctx context.Context, c *Context, o *Outcome) *Outcome {
	if o == nil {
		o = &Outcome{Kind: OutcomeSuccess}
	}
	if o.PlanText == "" {
		o.PlanText = c.PlanText
	}
	if o.Waves == 0 {
		o.Waves = c.Wave
	}
	if o.Tasks == nil {
		o.Tasks = p.taskSummaries(ctx, c)
	}
	return o
}

func (p *Pipeline) failed(ctx context.Context, c *Context, stage string, err error) *Outcome {
	p.log.WithError(err).Error("Pipeline stage failed", zap.String("stage", stage))
	p.emitPhase(PhaseEvent{Phase: PhaseFailed, Wave: c.Wave, Text: err.Error()})
	return p.finalize(ctx, c, &Outcome{Kind: OutcomeError, FailedStage: stage, Err: err})
}

func (p *Pipeline) taskSummaries(ctx context.Context, c *Context) []TaskSummary {
	out := make([]TaskSummary, 0, len(c.TaskIDs))
	for _, id := range c.TaskIDs {
		task, err := p.deps.Stores.Tasks.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, TaskSummary{ID: task.ID, Title: task.Title, Status: task.Status, Verdict: task.Verdict})
	}
	return out
}

// emitPhase dispatches to every listener in registration order. Dispatch is
// serialized so listeners observe phases in a single global order even when
// parallel crafters emit concurrently.
func (p *Pipeline) emitPhase(ev PhaseEvent) {
	p.mu.Lock()
	ls := slices.Clone(p.listeners)
	p.mu.Unlock()

	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	for _, l := range ls {
		p.dispatch(l, ev)
	}
}

func (p *Pipeline) dispatch(l PhaseListener, ev PhaseEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Phase listener panicked",
				zap.String("phase", string(ev.Phase)),
				zap.Any("panic", r))
		}
	}()
	l(ev)
}
