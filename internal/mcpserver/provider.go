package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/registry"
)

// Provide starts an MCP server from the application config and returns a
// cleanup function to stop it. Returns a nil server when the MCP surface
// is disabled.
func Provide(ctx context.Context, cfg config.MCPConfig, reg *registry.Registry, log *logger.Logger) (*Server, func() error, error) {
	if !cfg.Enabled {
		return nil, func() error { return nil }, nil
	}

	srv := New(Config{Port: cfg.Port}, reg, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
