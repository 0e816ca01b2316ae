// Package mcpserver exposes the coordination tool surface to agents over
// MCP. Each role is mounted under its own base path with its own tool set
// (/coordinator, /crafter, /verifier), and every mount serves both
// transports for compatibility with different agent clients:
//   - SSE transport (<base>/sse, <base>/message)
//   - Streamable HTTP transport (<base>/mcp)
//
// Providers hand the per-role SSE endpoint to agents in session/new, so an
// agent can only reach the tools its role allows.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/registry"
)

// serverName identifies this MCP server to clients.
const serverName = "atelier-coordination"

// Config holds the MCP server configuration.
type Config struct {
	// Port to listen on; 0 selects an ephemeral port.
	Port int
}

// Server hosts one MCP tool surface per role behind a single listener.
type Server struct {
	cfg      Config
	registry *registry.Registry
	logger   *logger.Logger

	mu         sync.Mutex
	running    bool
	port       int
	httpServer *http.Server
	mounts     []*roleMount
}

type roleMount struct {
	role       model.Role
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
}

// New creates an MCP server over the registry's tool surface.
func New(cfg Config, reg *registry.Registry, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		logger:   log.WithComponent("mcpserver"),
	}
}

// Start begins serving and returns once the listener is accepting. The
// listener is opened first so port availability fails fast and an
// ephemeral port is resolved before any endpoint URL is handed out.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	port := s.cfg.Port
	if tcpAddr, isTCP := listener.Addr().(*net.TCPAddr); isTCP {
		port = tcpAddr.Port
	}

	mux := http.NewServeMux()
	var mounts []*roleMount
	for _, role := range []model.Role{model.RoleCoordinator, model.RoleCrafter, model.RoleVerifier} {
		mcpSrv := server.NewMCPServer(
			serverName,
			"1.0.0",
			server.WithToolCapabilities(true),
		)
		count := registerRoleTools(mcpSrv, s.registry, role)

		base := "/" + string(role)

		// WithBaseURL + WithStaticBasePath make the SSE endpoint event carry
		// the full message URL under this role's mount, so clients POST back
		// to the right tool set.
		sse := server.NewSSEServer(mcpSrv,
			server.WithBaseURL(fmt.Sprintf("http://127.0.0.1:%d", port)),
			server.WithStaticBasePath(base),
		)
		streamable := server.NewStreamableHTTPServer(mcpSrv,
			server.WithEndpointPath(base+"/mcp"),
		)

		mux.Handle(base+"/sse", sse.SSEHandler())
		mux.Handle(base+"/message", sse.MessageHandler())
		mux.Handle(base+"/mcp", streamable)

		mounts = append(mounts, &roleMount{role: role, sse: sse, streamable: streamable})
		s.logger.Debug("mounted role tool surface",
			zap.String("role", string(role)),
			zap.String("base", base),
			zap.Int("tools", count))
	}

	httpServer := &http.Server{Handler: mux}

	s.mu.Lock()
	s.running = true
	s.port = port
	s.httpServer = httpServer
	s.mounts = mounts
	s.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		close(ready)
		if serveErr := httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(serveErr))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		s.logger.Info("MCP server listening",
			zap.Int("port", port),
			zap.String("roles", "coordinator, crafter, verifier"))
		return nil
	case <-ctx.Done():
		_ = httpServer.Close()
		return ctx.Err()
	}
}

// Stop gracefully shuts down the listener and both transports of every
// role mount.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	httpServer := s.httpServer
	mounts := s.mounts
	s.mu.Unlock()

	if !running {
		return nil
	}

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	for _, m := range mounts {
		if err := m.sse.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server",
				zap.String("role", string(m.role)), zap.Error(err))
		}
		if err := m.streamable.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable HTTP server",
				zap.String("role", string(m.role)), zap.Error(err))
		}
	}
	return nil
}

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// SSEEndpoint returns the SSE URL for a role's tool surface. This is what
// providers pass to agents in session/new.
func (s *Server) SSEEndpoint(role model.Role) string {
	return fmt.Sprintf("http://127.0.0.1:%d/%s/sse", s.Port(), role)
}

// StreamableHTTPEndpoint returns the streamable HTTP URL for a role's tool
// surface.
func (s *Server) StreamableHTTPEndpoint(role model.Role) string {
	return fmt.Sprintf("http://127.0.0.1:%d/%s/mcp", s.Port(), role)
}
