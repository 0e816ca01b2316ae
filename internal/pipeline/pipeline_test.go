package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/coordtools"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/provider"
	"github.com/atelier-dev/atelier/internal/store"
	"github.com/atelier-dev/atelier/internal/taskparse"
)

const planOneTask = `Planning notes the parser ignores.

@@@task
# Add login form

## Objective
Users can sign in with their email address.

## Definition of Done
- Form validates email
@@@
`

const planTwoTasks = planOneTask + `
@@@task
# Add logout button

## Objective
Users can end their session.

## Definition of Done
- Button clears the session cookie
@@@
`

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// scriptedProvider serves every role from canned behavior, filing reports
// through the real coordination tools the way a live agent would.
type scriptedProvider struct {
	caps  provider.Capabilities
	tools *coordtools.Tools

	mu           sync.Mutex
	plan         string
	crafterErr   error
	verdicts     []bool // consumed per verifier run; empty approves
	planRuns     int
	crafterRuns  int
	verifierRuns int
}

func newScriptedProvider(plan string) *scriptedProvider {
	return &scriptedProvider{
		caps: provider.Capabilities{
			Name:                "scripted",
			SupportsStreaming:   true,
			SupportsFileEditing: true,
			SupportsTerminal:    true,
			SupportsToolCalling: true,
			MaxConcurrentAgents: 4,
			Priority:            10,
		},
		plan: plan,
	}
}

func (s *scriptedProvider) Capabilities() provider.Capabilities { return s.caps }

func (s *scriptedProvider) Run(ctx context.Context, req provider.Request) (*provider.Result, error) {
	var out strings.Builder
	err := s.RunStreaming(ctx, req, func(c provider.StreamChunk) {
		if c.Type == provider.ChunkText {
			out.WriteString(c.Text)
		}
	})
	if err != nil {
		return nil, err
	}
	return &provider.Result{Output: out.String(), StopReason: "end_turn"}, nil
}

func (s *scriptedProvider) RunStreaming(ctx context.Context, req provider.Request, h provider.ChunkHandler) error {
	switch req.Role {
	case model.RoleCoordinator:
		s.mu.Lock()
		s.planRuns++
		plan := s.plan
		s.mu.Unlock()
		h(provider.StreamChunk{Type: provider.ChunkText, AgentID: req.AgentID, Text: plan, Timestamp: time.Now()})

	case model.RoleCrafter:
		s.mu.Lock()
		s.crafterRuns++
		failure := s.crafterErr
		s.mu.Unlock()
		if failure != nil {
			h(provider.StreamChunk{Type: provider.ChunkError, AgentID: req.AgentID, Text: failure.Error(), Timestamp: time.Now()})
			return failure
		}
		h(provider.StreamChunk{Type: provider.ChunkText, AgentID: req.AgentID, Text: "implemented", Timestamp: time.Now()})
		if res := s.tools.ReportToParent(ctx, coordtools.ReportToParentParams{
			AgentID: req.AgentID,
			Success: true,
			Summary: "implemented the task",
		}); !res.Success {
			return errors.New(res.Error)
		}

	case model.RoleVerifier:
		s.mu.Lock()
		s.verifierRuns++
		approve := true
		if len(s.verdicts) > 0 {
			approve = s.verdicts[0]
			s.verdicts = s.verdicts[1:]
		}
		s.mu.Unlock()
		summary := "all criteria met"
		if !approve {
			summary = "missing email regex"
		}
		h(provider.StreamChunk{Type: provider.ChunkText, AgentID: req.AgentID, Text: summary, Timestamp: time.Now()})
		if res := s.tools.ReportToParent(ctx, coordtools.ReportToParentParams{
			AgentID: req.AgentID,
			Success: approve,
			Summary: summary,
		}); !res.Success {
			return errors.New(res.Error)
		}
	}
	h(provider.StreamChunk{Type: provider.ChunkCompleted, AgentID: req.AgentID, StopReason: "end_turn", Timestamp: time.Now()})
	return nil
}

func (s *scriptedProvider) IsHealthy(ctx context.Context, agentID string) bool { return true }

func (s *scriptedProvider) Interrupt(ctx context.Context, agentID string) error { return nil }

func (s *scriptedProvider) Cleanup(ctx context.Context, agentID string) error { return nil }

func (s *scriptedProvider) Shutdown(ctx context.Context) error { return nil }

func (s *scriptedProvider) counts() (plan, crafter, verifier int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planRuns, s.crafterRuns, s.verifierRuns
}

// harness wires a pipeline over real stores, bus, and tools with the
// scripted provider as the only executor.
type harness struct {
	stores *store.Stores
	bus    *bus.MemoryEventBus
	tools  *coordtools.Tools
	prov   *scriptedProvider
	pl     *Pipeline

	mu     sync.Mutex
	phases []Phase
	walks  map[string][]string // task id -> status walk
}

func newHarness(t *testing.T, prov *scriptedProvider, opts Options) *harness {
	t.Helper()
	log := testLogger(t)
	stores := store.NewMemoryStores()
	b := bus.NewMemoryEventBus(log, bus.Options{})
	t.Cleanup(b.Close)
	tools := coordtools.New(stores, b, log)
	prov.tools = tools

	router := provider.NewRouter(log)
	router.Register(prov)

	if opts.ReportGrace == 0 {
		opts.ReportGrace = 50 * time.Millisecond
	}
	pl := New(&Deps{
		Stores: stores,
		Tools:  tools,
		Router: router,
		Parser: taskparse.NewParser(log),
		Logger: log,
	}, opts)

	h := &harness{stores: stores, bus: b, tools: tools, prov: prov, pl: pl, walks: map[string][]string{}}
	pl.OnPhase(func(ev PhaseEvent) {
		h.mu.Lock()
		h.phases = append(h.phases, ev.Phase)
		h.mu.Unlock()
	})
	_, err := b.Subscribe("test-recorder", func(ctx context.Context, ev *events.Event) error {
		if ev.Type == events.TaskStatusChanged {
			h.mu.Lock()
			h.walks[ev.TaskID] = append(h.walks[ev.TaskID], ev.To)
			h.mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)
	return h
}

func (h *harness) phaseList() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Phase(nil), h.phases...)
}

func (h *harness) walk(taskID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.walks[taskID]...)
}

func TestPipelineHappyPath(t *testing.T) {
	h := newHarness(t, newScriptedProvider(planOneTask), Options{})

	o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "build login"})

	require.Equal(t, OutcomeSuccess, o.Kind)
	assert.Equal(t, 1, o.Waves)
	assert.Contains(t, o.PlanText, "Add login form")

	require.Len(t, o.Tasks, 1)
	assert.Equal(t, "Add login form", o.Tasks[0].Title)
	assert.Equal(t, model.TaskCompleted, o.Tasks[0].Status)
	assert.Equal(t, model.VerdictApproved, o.Tasks[0].Verdict)

	plans, crafts, verifies := h.prov.counts()
	assert.Equal(t, 1, plans)
	assert.Equal(t, 1, crafts)
	assert.Equal(t, 1, verifies)

	assert.Equal(t, []Phase{
		PhasePlanning, PhasePlanReady, PhaseTasksRegistered,
		PhaseWaveStarted, PhaseCrafterStarted, PhaseCrafterCompleted,
		PhaseVerificationStarted, PhaseVerificationCompleted, PhaseCompleted,
	}, h.phaseList())
}

func TestPipelineRejectedThenApproved(t *testing.T) {
	prov := newScriptedProvider(planOneTask)
	prov.verdicts = []bool{false}
	h := newHarness(t, prov, Options{})

	o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "build login"})

	require.Equal(t, OutcomeSuccess, o.Kind)
	assert.Equal(t, 2, o.Waves)
	require.Len(t, o.Tasks, 1)
	assert.Equal(t, model.TaskCompleted, o.Tasks[0].Status)
	assert.Equal(t, model.VerdictApproved, o.Tasks[0].Verdict)

	plans, crafts, verifies := h.prov.counts()
	assert.Equal(t, 1, plans, "planning runs once per execute")
	assert.Equal(t, 2, crafts)
	assert.Equal(t, 2, verifies)

	assert.Equal(t, []string{
		string(model.TaskInProgress), string(model.TaskReviewRequired),
		string(model.TaskNeedsFix),
		string(model.TaskInProgress), string(model.TaskReviewRequired),
		string(model.TaskCompleted),
	}, h.walk(o.Tasks[0].ID))
}

func TestPipelineNoTasks(t *testing.T) {
	prov := newScriptedProvider("Just prose, nothing actionable.")
	h := newHarness(t, prov, Options{})

	o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "think about it"})

	require.Equal(t, OutcomeNoTasks, o.Kind)
	assert.Equal(t, "Just prose, nothing actionable.", o.PlanText)
	assert.Empty(t, o.Tasks)

	_, crafts, verifies := h.prov.counts()
	assert.Zero(t, crafts)
	assert.Zero(t, verifies)
	assert.NotContains(t, h.phaseList(), PhaseWaveStarted)
}

func TestPipelineMaxWaves(t *testing.T) {
	prov := newScriptedProvider(planOneTask)
	prov.verdicts = []bool{false, false}
	h := newHarness(t, prov, Options{MaxIterations: 2})

	o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "build login"})

	require.Equal(t, OutcomeMaxWaves, o.Kind)
	assert.Equal(t, 2, o.Waves)
	require.Len(t, o.Tasks, 1)
	assert.Equal(t, model.TaskNeedsFix, o.Tasks[0].Status)
	assert.Equal(t, model.VerdictNotApproved, o.Tasks[0].Verdict)

	_, crafts, verifies := h.prov.counts()
	assert.Equal(t, 2, crafts)
	assert.Equal(t, 2, verifies)
	assert.Contains(t, h.phaseList(), PhaseMaxWavesReached)
}

func TestPipelineRoutingFailure(t *testing.T) {
	prov := newScriptedProvider(planOneTask)
	// Tool calling only: good enough to plan, unfit to craft.
	prov.caps.SupportsFileEditing = false
	prov.caps.SupportsTerminal = false
	h := newHarness(t, prov, Options{})

	o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "build login"})

	require.Equal(t, OutcomeError, o.Kind)
	assert.Equal(t, StageCrafterExecution, o.FailedStage)
	require.Error(t, o.Err)
	assert.True(t, apperrors.IsRouting(o.Err))
	assert.Contains(t, o.Err.Error(), "crafter")
	assert.Contains(t, o.Err.Error(), "scripted")

	// The task was registered but never delegated.
	require.Len(t, o.Tasks, 1)
	assert.Equal(t, model.TaskPending, o.Tasks[0].Status)
	assert.Contains(t, h.phaseList(), PhaseFailed)
}

func TestPipelineParallelWave(t *testing.T) {
	h := newHarness(t, newScriptedProvider(planTwoTasks), Options{ParallelCrafters: 2})

	o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "build auth"})

	require.Equal(t, OutcomeSuccess, o.Kind)
	assert.Equal(t, 1, o.Waves)
	require.Len(t, o.Tasks, 2)
	for _, task := range o.Tasks {
		assert.Equal(t, model.TaskCompleted, task.Status, task.Title)
		assert.Equal(t, model.VerdictApproved, task.Verdict, task.Title)
	}

	_, crafts, verifies := h.prov.counts()
	assert.Equal(t, 2, crafts)
	assert.Equal(t, 1, verifies, "one gate verifies the whole wave")
}

func TestPipelineCancelledContext(t *testing.T) {
	h := newHarness(t, newScriptedProvider(planOneTask), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := h.pl.Execute(ctx, Request{WorkspaceID: "ws-1", Prompt: "build login"})

	require.Equal(t, OutcomeError, o.Kind)
	assert.Equal(t, StagePlanning, o.FailedStage)
	assert.ErrorIs(t, o.Err, context.Canceled)
}

type panickyStage struct{}

func (panickyStage) Name() string { return "Panicky" }
func (panickyStage) Run(ctx context.Context, c *Context) StageResult {
	panic("stage bug")
}

type repeatForeverStage struct{}

func (repeatForeverStage) Name() string { return "RepeatForever" }
func (repeatForeverStage) Run(ctx context.Context, c *Context) StageResult {
	c.Wave++
	return RepeatFrom("")
}

type badTargetStage struct{}

func (badTargetStage) Name() string { return "BadTarget" }
func (badTargetStage) Run(ctx context.Context, c *Context) StageResult {
	return RepeatFrom("NoSuchStage")
}

type skipAheadStage struct{}

func (skipAheadStage) Name() string { return "SkipAhead" }
func (skipAheadStage) Run(ctx context.Context, c *Context) StageResult {
	return RepeatFrom("Later")
}

type laterStage struct{}

func (laterStage) Name() string { return "Later" }
func (laterStage) Run(ctx context.Context, c *Context) StageResult {
	return Continue()
}

func TestPipelineEngine(t *testing.T) {
	t.Run("a panicking stage fails the run, not the process", func(t *testing.T) {
		h := newHarness(t, newScriptedProvider(planOneTask), Options{Stages: []Stage{panickyStage{}}})
		o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "x"})
		require.Equal(t, OutcomeError, o.Kind)
		assert.Equal(t, "Panicky", o.FailedStage)
		assert.Contains(t, o.Err.Error(), "stage bug")
	})

	t.Run("repeat honors the iteration budget", func(t *testing.T) {
		h := newHarness(t, newScriptedProvider(planOneTask), Options{
			MaxIterations: 3,
			Stages:        []Stage{repeatForeverStage{}},
		})
		o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "x"})
		require.Equal(t, OutcomeMaxWaves, o.Kind)
		assert.Equal(t, 3, o.Waves)
	})

	t.Run("repeat to an unknown stage fails", func(t *testing.T) {
		h := newHarness(t, newScriptedProvider(planOneTask), Options{Stages: []Stage{badTargetStage{}}})
		o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "x"})
		require.Equal(t, OutcomeError, o.Kind)
		assert.Contains(t, o.Err.Error(), "NoSuchStage")
	})

	t.Run("repeat never jumps forward", func(t *testing.T) {
		h := newHarness(t, newScriptedProvider(planOneTask), Options{Stages: []Stage{skipAheadStage{}, laterStage{}}})
		o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "x"})
		require.Equal(t, OutcomeError, o.Kind)
		assert.Equal(t, "SkipAhead", o.FailedStage)
		assert.Contains(t, o.Err.Error(), "ahead of")
	})

	t.Run("a panicking phase listener does not break the run", func(t *testing.T) {
		h := newHarness(t, newScriptedProvider(planOneTask), Options{})
		h.pl.OnPhase(func(ev PhaseEvent) { panic("listener bug") })
		o := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "x"})
		assert.Equal(t, OutcomeSuccess, o.Kind)
	})

	t.Run("executes are independent runs", func(t *testing.T) {
		h := newHarness(t, newScriptedProvider(planOneTask), Options{})
		first := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "x"})
		require.Equal(t, OutcomeSuccess, first.Kind)

		second := h.pl.Execute(context.Background(), Request{WorkspaceID: "ws-1", Prompt: "again"})
		require.Equal(t, OutcomeSuccess, second.Kind)

		plans, _, _ := h.prov.counts()
		assert.Equal(t, 2, plans)
	})
}
