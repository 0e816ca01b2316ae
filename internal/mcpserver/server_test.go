package mcpserver

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/coordtools"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/registry"
	"github.com/atelier-dev/atelier/internal/store"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	stores := store.NewMemoryStores()
	b := bus.NewMemoryEventBus(log, bus.Options{})
	t.Cleanup(b.Close)
	return registry.New(coordtools.New(stores, b, log), log)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := New(Config{Port: 0}, newTestRegistry(t), newTestLogger(t))

	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(stopCtx)
	})

	port := srv.Port()
	assert.Greater(t, port, 0)
	assert.Contains(t, srv.SSEEndpoint(model.RoleCoordinator), "/coordinator/sse")
	assert.Contains(t, srv.SSEEndpoint(model.RoleCrafter), "/crafter/sse")
	assert.Contains(t, srv.StreamableHTTPEndpoint(model.RoleVerifier), "/verifier/mcp")

	err := srv.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(stopCtx))
	require.NoError(t, srv.Stop(stopCtx))
}

func TestRegisterRoleTools(t *testing.T) {
	reg := newTestRegistry(t)

	counts := map[model.Role]int{
		model.RoleCoordinator: 10,
		model.RoleCrafter:     5,
		model.RoleVerifier:    5,
	}
	for role, want := range counts {
		mcpSrv := server.NewMCPServer(serverName, "1.0.0", server.WithToolCapabilities(true))
		assert.Equal(t, want, registerRoleTools(mcpSrv, reg, role), string(role))
	}
}

func TestToolOptionsSchema(t *testing.T) {
	reg := newTestRegistry(t)

	var def registry.Definition
	for _, d := range reg.Definitions(model.RoleCoordinator) {
		if d.Name == registry.ToolCreateAgent {
			def = d
		}
	}
	require.NotEmpty(t, def.Name)

	tool := mcp.NewTool(def.Name, toolOptions(def)...)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.Contains(t, tool.InputSchema.Properties, "workspace_id")
	assert.Contains(t, tool.InputSchema.Properties, "role")
	assert.ElementsMatch(t, []string{"workspace_id", "name", "role"}, tool.InputSchema.Required)
}

func TestToolHandler(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	callReq := func(name string, args map[string]any) mcp.CallToolRequest {
		var req mcp.CallToolRequest
		req.Params.Name = name
		req.Params.Arguments = args
		return req
	}

	text := func(t *testing.T, res *mcp.CallToolResult) string {
		t.Helper()
		require.NotEmpty(t, res.Content)
		tc, okCast := res.Content[0].(mcp.TextContent)
		require.True(t, okCast)
		return tc.Text
	}

	t.Run("success renders data as JSON text", func(t *testing.T) {
		handler := toolHandler(reg, model.RoleCoordinator, registry.ToolCreateAgent)
		res, err := handler(ctx, callReq(registry.ToolCreateAgent, map[string]any{
			"workspace_id": "ws-1",
			"name":         "builder",
			"role":         "crafter",
		}))
		require.NoError(t, err)
		require.False(t, res.IsError)
		assert.Contains(t, text(t, res), "agent_id")
	})

	t.Run("tool failure becomes an error result", func(t *testing.T) {
		handler := toolHandler(reg, model.RoleCoordinator, registry.ToolDelegateTask)
		res, err := handler(ctx, callReq(registry.ToolDelegateTask, map[string]any{
			"task_id":  "ghost",
			"agent_id": "ghost",
		}))
		require.NoError(t, err)
		require.True(t, res.IsError)
		assert.Contains(t, text(t, res), "task not found")
	})

	t.Run("disallowed tool becomes an error result", func(t *testing.T) {
		handler := toolHandler(reg, model.RoleCrafter, registry.ToolCreateAgent)
		res, err := handler(ctx, callReq(registry.ToolCreateAgent, map[string]any{
			"workspace_id": "ws-1",
			"name":         "x",
			"role":         "crafter",
		}))
		require.NoError(t, err)
		require.True(t, res.IsError)
		assert.Contains(t, text(t, res), "not available to role")
	})
}
