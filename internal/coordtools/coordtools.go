// Package coordtools implements the coordination tools agents invoke to
// create sub-agents, move tasks through their lifecycle, exchange messages,
// and wait on each other. Every tool persists its changes through the
// entity stores first and publishes events afterwards, so a subscriber
// that reacts to an event always observes the state the event describes.
//
// Tools report domain failures (unknown ids, illegal transitions, bad
// arguments) in the returned Result rather than as Go errors; the error
// channel of the surrounding transport stays reserved for transport
// problems.
package coordtools

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/store"
)

// Result is the uniform outcome of a tool invocation. Data carries the
// tool-specific payload on success; Error carries a human-readable reason
// on failure and may be accompanied by partial Data (WaitForAgents returns
// the statuses it collected before timing out).
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func ok(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

func fail(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Tools carries the dependencies shared by all coordination tools.
type Tools struct {
	stores *store.Stores
	bus    bus.EventBus
	logger *logger.Logger
	now    func() time.Time
}

// New creates the coordination tool set over the given stores and bus.
func New(stores *store.Stores, eventBus bus.EventBus, log *logger.Logger) *Tools {
	return &Tools{
		stores: stores,
		bus:    eventBus,
		logger: log.WithComponent("coordtools"),
		now:    time.Now,
	}
}

// publish sends an event on the bus. The store write that the event
// describes has already happened, so a publish failure (bus closed during
// shutdown) must not fail the tool; it is logged and the result stands.
func (t *Tools) publish(ctx context.Context, ev *events.Event) {
	if err := t.bus.Publish(ctx, ev); err != nil {
		t.logger.WithError(err).Warn("Failed to publish event",
			zap.String("event_type", ev.Type),
			zap.String("agent_id", ev.AgentID),
			zap.String("task_id", ev.TaskID))
	}
}

// appendMessage records a conversation entry for an agent.
func (t *Tools) appendMessage(ctx context.Context, agentID, fromAgentID string, role model.MessageRole, content string) error {
	_, err := t.stores.Conversations.Append(ctx, agentID, &model.Message{
		AgentID:     agentID,
		FromAgentID: fromAgentID,
		Role:        role,
		Content:     content,
		Timestamp:   t.now().UTC(),
	})
	return err
}
