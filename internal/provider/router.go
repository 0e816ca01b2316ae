package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/model"
)

// Router dispatches agent runs to the registered provider best suited to
// each role. Selection is deterministic: the highest-priority provider whose
// capabilities satisfy the role's requirements wins, and a tie keeps the one
// registered first.
type Router struct {
	logger *logger.Logger

	mu        sync.RWMutex
	providers []Provider
}

// NewRouter creates an empty router.
func NewRouter(log *logger.Logger) *Router {
	return &Router{logger: log.WithComponent("provider-router")}
}

// Register appends a provider. Registration order breaks priority ties.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	r.providers = append(r.providers, p)
	r.mu.Unlock()

	caps := p.Capabilities()
	r.logger.Info("provider registered",
		zap.String("provider", caps.Name),
		zap.Int("priority", caps.Priority))
}

// Providers returns the capability sets in registration order.
func (r *Router) Providers() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capabilities, 0, len(r.providers))
	for _, p := range r.providers {
		caps = append(caps, p.Capabilities())
	}
	return caps
}

// SelectForRole picks the provider for a role.
func (r *Router) SelectForRole(role model.Role) (Provider, error) {
	reqs := RequirementsForRole(role)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Provider
	bestPriority := 0
	for _, p := range r.providers {
		caps := p.Capabilities()
		if !caps.Satisfies(reqs) {
			continue
		}
		if best == nil || caps.Priority > bestPriority {
			best = p
			bestPriority = caps.Priority
		}
	}
	if best == nil {
		return nil, r.routingError(role, reqs)
	}
	return best, nil
}

func (r *Router) routingError(role model.Role, reqs Requirements) error {
	summaries := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		summaries = append(summaries, p.Capabilities().Summary())
	}
	registered := "none"
	if len(summaries) > 0 {
		registered = strings.Join(summaries, "; ")
	}
	return apperrors.Routing(fmt.Sprintf(
		"no provider satisfies role %s (needs %s); registered: %s", role, reqs, registered))
}

// RunForRole selects a provider for the role and runs the request on it.
func (r *Router) RunForRole(ctx context.Context, role model.Role, req Request) (*Result, error) {
	p, err := r.SelectForRole(role)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, req)
}

// RunStreamingForRole is RunForRole with chunk delivery.
func (r *Router) RunStreamingForRole(ctx context.Context, role model.Role, req Request, h ChunkHandler) error {
	p, err := r.SelectForRole(role)
	if err != nil {
		return err
	}
	return p.RunStreaming(ctx, req, h)
}

// HealthCheck is the conjunction of IsHealthy over every provider that
// advertises health checks.
func (r *Router) HealthCheck(ctx context.Context, agentID string) bool {
	r.mu.RLock()
	providers := append([]Provider(nil), r.providers...)
	r.mu.RUnlock()

	for _, p := range providers {
		if !p.Capabilities().SupportsHealthCheck {
			continue
		}
		if !p.IsHealthy(ctx, agentID) {
			return false
		}
	}
	return true
}

// InterruptAgent fans the interrupt out to every provider. Providers that do
// not know the agent answer not found, which is ignored.
func (r *Router) InterruptAgent(ctx context.Context, agentID string) error {
	return r.fanOut(ctx, agentID, "interrupt", Provider.Interrupt)
}

// CleanupAgent fans resource cleanup out to every provider.
func (r *Router) CleanupAgent(ctx context.Context, agentID string) error {
	return r.fanOut(ctx, agentID, "cleanup", Provider.Cleanup)
}

func (r *Router) fanOut(ctx context.Context, agentID, op string, call func(Provider, context.Context, string) error) error {
	r.mu.RLock()
	providers := append([]Provider(nil), r.providers...)
	r.mu.RUnlock()

	var firstErr error
	for _, p := range providers {
		err := call(p, ctx, agentID)
		if err == nil || apperrors.IsNotFound(err) {
			continue
		}
		r.logger.Warn("provider "+op+" failed",
			zap.String("provider", p.Capabilities().Name),
			zap.String("agent_id", agentID),
			zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown stops every provider in parallel and reports the first error.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	providers := r.providers
	r.providers = nil
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		g.Go(func() error {
			return p.Shutdown(ctx)
		})
	}
	return g.Wait()
}
