// Package bus provides the event bus for the orchestration engine.
//
// The bus delivers events in two modes. Direct handlers, keyed by a
// subscription id, are invoked synchronously in publication order; a panic
// in one handler is isolated from the publisher and from other handlers.
// Buffered per-agent subscriptions collect matching events into a bounded
// inbox that the agent drains between prompts. A bounded replay ring keeps
// the most recent critical events for observers that attach late.
package bus

import (
	"context"

	"github.com/atelier-dev/atelier/internal/events"
)

// Handler is a function that handles an event. The returned error is
// logged; it is never propagated to the publisher.
type Handler func(ctx context.Context, event *events.Event) error

// Subscription represents an active direct subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// AgentSubscription describes a buffered per-agent subscription.
type AgentSubscription struct {
	// AgentID keys the inbox; DrainInbox and UnsubscribeAgent use it.
	AgentID string

	// AgentName supplements AgentID for self-exclusion matching.
	AgentName string

	// EventTypes filters delivery; empty means all types.
	EventTypes []string

	// ExcludeSelf skips events originating from the subscribing agent.
	ExcludeSelf bool
}

// EventBus is the interface for event bus operations.
type EventBus interface {
	// Publish delivers an event to all direct handlers synchronously in
	// publication order, then appends it to matching agent inboxes and,
	// for critical types, to the replay ring.
	Publish(ctx context.Context, event *events.Event) error

	// Subscribe registers a direct handler under a subscription id.
	// The id must not already be in use.
	Subscribe(subscriptionID string, handler Handler) (Subscription, error)

	// SubscribeAgent registers (or refreshes) a buffered subscription.
	// Re-subscribing an agent updates the filter and keeps buffered events.
	SubscribeAgent(sub AgentSubscription) error

	// UnsubscribeAgent removes an agent's buffered subscription and inbox.
	UnsubscribeAgent(agentID string)

	// DrainInbox returns and clears an agent's buffered events in order.
	DrainInbox(agentID string) []*events.Event

	// Replay returns the retained critical events, oldest first.
	Replay() []*events.Event

	// Close shuts the bus down; further publishes fail.
	Close()

	// IsConnected returns whether the bus accepts publishes.
	IsConnected() bool
}
