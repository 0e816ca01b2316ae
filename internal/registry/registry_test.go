package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/coordtools"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Stores) {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	stores := store.NewMemoryStores()
	b := bus.NewMemoryEventBus(log, bus.Options{})
	t.Cleanup(b.Close)
	tools := coordtools.New(stores, b, log)
	return New(tools, log), stores
}

func defNames(defs []Definition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

func TestRegistryDefinitions(t *testing.T) {
	reg, _ := newTestRegistry(t)

	t.Run("coordinator sees all tools", func(t *testing.T) {
		defs := reg.Definitions(model.RoleCoordinator)
		assert.Equal(t, []string{
			ToolCreateAgent, ToolDelegateTask, ToolReportToParent, ToolSendMessage,
			ToolBroadcastMessage, ToolListAgents, ToolGetAgentStatus, ToolListTasks,
			ToolUpdateTaskStatus, ToolWaitForAgents,
		}, defNames(defs))
	})

	t.Run("crafter sees the work-and-report subset", func(t *testing.T) {
		defs := reg.Definitions(model.RoleCrafter)
		assert.Equal(t, []string{
			ToolReportToParent, ToolSendMessage, ToolGetAgentStatus,
			ToolListTasks, ToolUpdateTaskStatus,
		}, defNames(defs))
	})

	t.Run("verifier sees the read-and-report subset", func(t *testing.T) {
		defs := reg.Definitions(model.RoleVerifier)
		assert.Equal(t, []string{
			ToolReportToParent, ToolSendMessage, ToolListAgents,
			ToolGetAgentStatus, ToolListTasks,
		}, defNames(defs))
	})

	t.Run("every definition has a description and valid params", func(t *testing.T) {
		for _, def := range reg.Definitions(model.RoleCoordinator) {
			assert.NotEmpty(t, def.Description, def.Name)
			for _, p := range def.Params {
				assert.Contains(t, []string{"string", "integer", "boolean", "array"}, p.Type,
					"%s.%s", def.Name, p.Name)
				if p.Type == "array" {
					assert.NotEmpty(t, p.Items, "%s.%s needs an item type", def.Name, p.Name)
				}
			}
		}
	})
}

func TestRegistryInvoke(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip through a tool", func(t *testing.T) {
		reg, stores := newTestRegistry(t)

		args := json.RawMessage(`{"workspace_id":"ws-1","name":"builder","role":"crafter"}`)
		res, err := reg.Invoke(ctx, model.RoleCoordinator, ToolCreateAgent, args)
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)

		agentID, _ := res.Data["agent_id"].(string)
		require.NotEmpty(t, agentID)
		agent, err := stores.Agents.Get(ctx, agentID)
		require.NoError(t, err)
		assert.Equal(t, model.RoleCrafter, agent.Role)
	})

	t.Run("unknown tool is an error", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		_, err := reg.Invoke(ctx, model.RoleCoordinator, "summon_demon", nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("disallowed tool is an error", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		_, err := reg.Invoke(ctx, model.RoleCrafter, ToolCreateAgent, json.RawMessage(`{}`))
		require.Error(t, err)
		assert.True(t, apperrors.IsInvalid(err))
		assert.Contains(t, err.Error(), "not available to role crafter")
	})

	t.Run("malformed arguments are a tool failure", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		res, err := reg.Invoke(ctx, model.RoleCoordinator, ToolCreateAgent, json.RawMessage(`{"name":42}`))
		require.NoError(t, err)
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "invalid arguments")
	})

	t.Run("domain failures come back in the result", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		res, err := reg.Invoke(ctx, model.RoleCoordinator, ToolDelegateTask,
			json.RawMessage(`{"task_id":"ghost","agent_id":"ghost"}`))
		require.NoError(t, err)
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "task not found")
	})

	t.Run("empty args default to an empty object", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		res, err := reg.Invoke(ctx, model.RoleCoordinator, ToolListAgents, nil)
		require.NoError(t, err)
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "workspace_id is required")
	})
}

func TestDefinitionInputSchema(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var def Definition
	for _, d := range reg.Definitions(model.RoleCoordinator) {
		if d.Name == ToolWaitForAgents {
			def = d
		}
	}
	require.NotEmpty(t, def.Name)

	schema := def.InputSchema()
	assert.Equal(t, "object", schema["type"])

	props, okCast := schema["properties"].(map[string]any)
	require.True(t, okCast)

	agentIDs, okCast := props["agent_ids"].(map[string]any)
	require.True(t, okCast)
	assert.Equal(t, "array", agentIDs["type"])
	assert.Equal(t, map[string]any{"type": "string"}, agentIDs["items"])

	timeout, okCast := props["timeout_seconds"].(map[string]any)
	require.True(t, okCast)
	assert.Equal(t, "integer", timeout["type"])

	required, okCast := schema["required"].([]string)
	require.True(t, okCast)
	assert.Equal(t, []string{"agent_ids"}, required)
}
