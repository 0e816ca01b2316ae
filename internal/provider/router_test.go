package provider

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/model"
)

type fakeProvider struct {
	caps Capabilities

	mu         sync.Mutex
	runs       []string
	streams    []string
	interrupts []string
	cleanups   []string
	shutdowns  int

	healthy      bool
	runErr       error
	interruptErr error
	cleanupErr   error
	shutdownErr  error
}

func newFakeProvider(name string, priority int) *fakeProvider {
	return &fakeProvider{
		caps: Capabilities{
			Name:                name,
			SupportsStreaming:   true,
			SupportsInterrupt:   true,
			SupportsHealthCheck: true,
			SupportsFileEditing: true,
			SupportsTerminal:    true,
			SupportsToolCalling: true,
			MaxConcurrentAgents: 4,
			Priority:            priority,
		},
		healthy: true,
	}
}

func (f *fakeProvider) Capabilities() Capabilities { return f.caps }

func (f *fakeProvider) Run(ctx context.Context, req Request) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req.AgentID)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &Result{Output: "ran by " + f.caps.Name, StopReason: "end_turn"}, nil
}

func (f *fakeProvider) RunStreaming(ctx context.Context, req Request, h ChunkHandler) error {
	f.mu.Lock()
	f.streams = append(f.streams, req.AgentID)
	f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	h(textChunk(req.AgentID, "hello from "+f.caps.Name))
	h(completedChunk(req.AgentID, "end_turn"))
	return nil
}

func (f *fakeProvider) IsHealthy(ctx context.Context, agentID string) bool { return f.healthy }

func (f *fakeProvider) Interrupt(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts = append(f.interrupts, agentID)
	return f.interruptErr
}

func (f *fakeProvider) Cleanup(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, agentID)
	return f.cleanupErr
}

func (f *fakeProvider) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return f.shutdownErr
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return NewRouter(log)
}

func TestRequirementsForRole(t *testing.T) {
	assert.Equal(t, Requirements{ToolCalling: true}, RequirementsForRole(model.RoleCoordinator))
	assert.Equal(t, Requirements{FileEditing: true, Terminal: true}, RequirementsForRole(model.RoleCrafter))
	assert.Equal(t, Requirements{Terminal: true}, RequirementsForRole(model.RoleVerifier))

	assert.Equal(t, "tool_calling", RequirementsForRole(model.RoleCoordinator).String())
	assert.Equal(t, "file_editing+terminal", RequirementsForRole(model.RoleCrafter).String())
	assert.Equal(t, "none", Requirements{}.String())
}

func TestCapabilitiesSatisfies(t *testing.T) {
	toolsOnly := Capabilities{Name: "llm", SupportsToolCalling: true}
	full := Capabilities{SupportsToolCalling: true, SupportsFileEditing: true, SupportsTerminal: true}

	assert.True(t, toolsOnly.Satisfies(RequirementsForRole(model.RoleCoordinator)))
	assert.False(t, toolsOnly.Satisfies(RequirementsForRole(model.RoleCrafter)))
	assert.False(t, toolsOnly.Satisfies(RequirementsForRole(model.RoleVerifier)))
	assert.True(t, full.Satisfies(RequirementsForRole(model.RoleCrafter)))
	assert.True(t, Capabilities{}.Satisfies(Requirements{}))
}

func TestRouterSelectForRole(t *testing.T) {
	t.Run("highest priority satisfying provider wins", func(t *testing.T) {
		r := newTestRouter(t)
		low := newFakeProvider("workspace", 5)
		high := newFakeProvider("process", 10)
		r.Register(low)
		r.Register(high)

		p, err := r.SelectForRole(model.RoleCrafter)
		require.NoError(t, err)
		assert.Equal(t, "process", p.Capabilities().Name)
	})

	t.Run("priority tie keeps registration order", func(t *testing.T) {
		r := newTestRouter(t)
		first := newFakeProvider("first", 7)
		second := newFakeProvider("second", 7)
		r.Register(first)
		r.Register(second)

		p, err := r.SelectForRole(model.RoleCoordinator)
		require.NoError(t, err)
		assert.Equal(t, "first", p.Capabilities().Name)
	})

	t.Run("providers missing a capability are skipped", func(t *testing.T) {
		r := newTestRouter(t)
		loop := newFakeProvider("llm", 99)
		loop.caps.SupportsFileEditing = false
		loop.caps.SupportsTerminal = false
		process := newFakeProvider("process", 10)
		r.Register(loop)
		r.Register(process)

		p, err := r.SelectForRole(model.RoleCrafter)
		require.NoError(t, err)
		assert.Equal(t, "process", p.Capabilities().Name)

		p, err = r.SelectForRole(model.RoleCoordinator)
		require.NoError(t, err)
		assert.Equal(t, "llm", p.Capabilities().Name)
	})

	t.Run("empty router is a routing error", func(t *testing.T) {
		r := newTestRouter(t)
		_, err := r.SelectForRole(model.RoleCrafter)
		require.Error(t, err)
		assert.True(t, apperrors.IsRouting(err))
		assert.Contains(t, err.Error(), "registered: none")
	})

	t.Run("unsatisfiable role names the gap", func(t *testing.T) {
		r := newTestRouter(t)
		loop := newFakeProvider("llm", 2)
		loop.caps.SupportsFileEditing = false
		loop.caps.SupportsTerminal = false
		r.Register(loop)

		_, err := r.SelectForRole(model.RoleCrafter)
		require.Error(t, err)
		assert.True(t, apperrors.IsRouting(err))
		assert.Contains(t, err.Error(), "role crafter")
		assert.Contains(t, err.Error(), "file_editing+terminal")
		assert.Contains(t, err.Error(), "llm[tool_calling] priority=2")
	})
}

func TestRouterRunForRole(t *testing.T) {
	r := newTestRouter(t)
	best := newFakeProvider("process", 10)
	other := newFakeProvider("workspace", 5)
	r.Register(other)
	r.Register(best)

	res, err := r.RunForRole(context.Background(), model.RoleCrafter, Request{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, "ran by process", res.Output)
	assert.Equal(t, []string{"agent-1"}, best.runs)
	assert.Empty(t, other.runs)
}

func TestRouterRunStreamingForRole(t *testing.T) {
	r := newTestRouter(t)
	r.Register(newFakeProvider("process", 10))

	var chunks []StreamChunk
	err := r.RunStreamingForRole(context.Background(), model.RoleCrafter, Request{AgentID: "agent-1"},
		func(c StreamChunk) { chunks = append(chunks, c) })
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, ChunkText, chunks[0].Type)
	assert.Equal(t, ChunkCompleted, chunks[1].Type)
	assert.Equal(t, "agent-1", chunks[0].AgentID)
}

func TestRouterHealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("empty router is vacuously healthy", func(t *testing.T) {
		r := newTestRouter(t)
		assert.True(t, r.HealthCheck(ctx, ""))
	})

	t.Run("one unhealthy provider fails the check", func(t *testing.T) {
		r := newTestRouter(t)
		ok := newFakeProvider("process", 10)
		sick := newFakeProvider("remote", 8)
		sick.healthy = false
		r.Register(ok)
		r.Register(sick)
		assert.False(t, r.HealthCheck(ctx, "agent-1"))
	})

	t.Run("providers without health checks are skipped", func(t *testing.T) {
		r := newTestRouter(t)
		sick := newFakeProvider("opaque", 10)
		sick.healthy = false
		sick.caps.SupportsHealthCheck = false
		r.Register(sick)
		assert.True(t, r.HealthCheck(ctx, "agent-1"))
	})
}

func TestRouterFanOut(t *testing.T) {
	ctx := context.Background()

	t.Run("interrupt reaches every provider", func(t *testing.T) {
		r := newTestRouter(t)
		a := newFakeProvider("process", 10)
		b := newFakeProvider("workspace", 5)
		a.interruptErr = apperrors.NotFound("agent session", "agent-1")
		r.Register(a)
		r.Register(b)

		require.NoError(t, r.InterruptAgent(ctx, "agent-1"))
		assert.Equal(t, []string{"agent-1"}, a.interrupts)
		assert.Equal(t, []string{"agent-1"}, b.interrupts)
	})

	t.Run("first real error is reported, later providers still called", func(t *testing.T) {
		r := newTestRouter(t)
		a := newFakeProvider("process", 10)
		b := newFakeProvider("workspace", 5)
		boom := errors.New("kill failed")
		a.cleanupErr = boom
		r.Register(a)
		r.Register(b)

		err := r.CleanupAgent(ctx, "agent-1")
		require.Error(t, err)
		assert.Equal(t, boom, err)
		assert.Equal(t, []string{"agent-1"}, b.cleanups)
	})
}

func TestRouterShutdown(t *testing.T) {
	r := newTestRouter(t)
	a := newFakeProvider("process", 10)
	b := newFakeProvider("workspace", 5)
	r.Register(a)
	r.Register(b)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 1, a.shutdowns)
	assert.Equal(t, 1, b.shutdowns)

	// Providers are dropped; a second shutdown has nothing to do.
	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, 1, a.shutdowns)
	assert.Empty(t, r.Providers())
}

func TestRouterSelectionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("selection is the first provider with the max priority", prop.ForAll(
		func(priorities []int) bool {
			if len(priorities) == 0 {
				return true
			}
			r := newTestRouter(t)
			for i, p := range priorities {
				r.Register(newFakeProvider(strconv.Itoa(i), p))
			}

			selected, err := r.SelectForRole(model.RoleCrafter)
			if err != nil {
				return false
			}

			wantIdx := 0
			for i, p := range priorities {
				if p > priorities[wantIdx] {
					wantIdx = i
				}
			}
			return selected.Capabilities().Priority == priorities[wantIdx] &&
				selected.Capabilities().Name == strconv.Itoa(wantIdx)
		},
		gen.SliceOf(gen.IntRange(1, 20)),
	))

	properties.TestingRun(t)
}
