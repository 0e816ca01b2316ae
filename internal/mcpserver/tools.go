package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/registry"
)

// registerRoleTools adds the registry's definitions for one role to an MCP
// server instance and returns how many tools were registered.
func registerRoleTools(s *server.MCPServer, reg *registry.Registry, role model.Role) int {
	defs := reg.Definitions(role)
	for _, def := range defs {
		s.AddTool(mcp.NewTool(def.Name, toolOptions(def)...), toolHandler(reg, role, def.Name))
	}
	return len(defs)
}

// toolOptions renders a definition's params as mcp-go tool options.
func toolOptions(def registry.Definition) []mcp.ToolOption {
	opts := []mcp.ToolOption{mcp.WithDescription(def.Description)}
	for _, p := range def.Params {
		var propOpts []mcp.PropertyOption
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		if p.Description != "" {
			propOpts = append(propOpts, mcp.Description(p.Description))
		}
		if len(p.Enum) > 0 {
			propOpts = append(propOpts, mcp.Enum(p.Enum...))
		}
		switch p.Type {
		case "string":
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		case "integer":
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		case "boolean":
			opts = append(opts, mcp.WithBoolean(p.Name, propOpts...))
		case "array":
			propOpts = append(propOpts, mcp.Items(map[string]any{"type": p.Items}))
			opts = append(opts, mcp.WithArray(p.Name, propOpts...))
		}
	}
	return opts
}

// toolHandler funnels an MCP tool call through the registry. Tool failures
// come back as MCP error results, not protocol errors, so the agent sees
// the reason as text and can react.
func toolHandler(reg *registry.Registry, role model.Role, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		res, err := reg.Invoke(ctx, role, name, raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !res.Success {
			return mcp.NewToolResultError(res.Error), nil
		}

		data := res.Data
		if data == nil {
			data = map[string]any{}
		}
		formatted, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
