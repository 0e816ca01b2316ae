package coordtools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/model"
)

func TestWaitForAgents(t *testing.T) {
	ctx := context.Background()

	t.Run("returns immediately when all terminal", func(t *testing.T) {
		tools, stores, _ := newTestTools(t)
		a := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "a", Role: model.RoleCrafter, Status: model.AgentCompleted})
		b := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "b", Role: model.RoleCrafter, Status: model.AgentError})

		start := time.Now()
		res := tools.WaitForAgents(ctx, WaitForAgentsParams{AgentIDs: []string{a.ID, b.ID}, TimeoutSeconds: 30})
		require.True(t, res.Success, res.Error)
		assert.Less(t, time.Since(start), time.Second)

		assert.Equal(t, false, res.Data["timed_out"])
		statuses, okCast := res.Data["statuses"].(map[string]string)
		require.True(t, okCast)
		assert.Equal(t, "completed", statuses[a.ID])
		assert.Equal(t, "error", statuses[b.ID])
	})

	t.Run("wakes when a watched agent reports", func(t *testing.T) {
		tools, stores, _ := newTestTools(t)
		agent := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "late", Role: model.RoleCrafter, Status: model.AgentActive})

		go func() {
			time.Sleep(50 * time.Millisecond)
			tools.ReportToParent(ctx, ReportToParentParams{AgentID: agent.ID, Success: true, Summary: "done"})
		}()

		start := time.Now()
		res := tools.WaitForAgents(ctx, WaitForAgentsParams{AgentIDs: []string{agent.ID}, TimeoutSeconds: 30})
		require.True(t, res.Success, res.Error)
		assert.Less(t, time.Since(start), 5*time.Second)

		statuses, okCast := res.Data["statuses"].(map[string]string)
		require.True(t, okCast)
		assert.Equal(t, "completed", statuses[agent.ID])
	})

	t.Run("times out with partial statuses", func(t *testing.T) {
		tools, stores, _ := newTestTools(t)
		done := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "done", Role: model.RoleCrafter, Status: model.AgentCompleted})
		stuck := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "stuck", Role: model.RoleCrafter, Status: model.AgentActive})

		res := tools.WaitForAgents(ctx, WaitForAgentsParams{AgentIDs: []string{done.ID, stuck.ID}, TimeoutSeconds: 1})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "timed out")

		assert.Equal(t, true, res.Data["timed_out"])
		statuses, okCast := res.Data["statuses"].(map[string]string)
		require.True(t, okCast)
		assert.Equal(t, "completed", statuses[done.ID])
		assert.Equal(t, "active", statuses[stuck.ID])
	})

	t.Run("context cancellation stops the wait", func(t *testing.T) {
		tools, stores, _ := newTestTools(t)
		agent := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "stuck", Role: model.RoleCrafter, Status: model.AgentActive})

		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		res := tools.WaitForAgents(cancelCtx, WaitForAgentsParams{AgentIDs: []string{agent.ID}, TimeoutSeconds: 30})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "wait cancelled")
		assert.Equal(t, false, res.Data["timed_out"])
	})

	t.Run("rejects empty and unknown agents", func(t *testing.T) {
		tools, _, _ := newTestTools(t)

		res := tools.WaitForAgents(ctx, WaitForAgentsParams{})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "agent_ids is required")

		res = tools.WaitForAgents(ctx, WaitForAgentsParams{AgentIDs: []string{"ghost"}})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "agent not found")
	})
}
