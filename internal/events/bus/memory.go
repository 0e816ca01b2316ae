package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
)

// DefaultInboxCapacity bounds each agent inbox when no capacity is configured.
const DefaultInboxCapacity = 256

// DefaultReplayCapacity bounds the replay ring when no capacity is configured.
const DefaultReplayCapacity = 1000

// Options tunes bus capacities.
type Options struct {
	InboxCapacity  int
	ReplayCapacity int
}

func (o Options) withDefaults() Options {
	if o.InboxCapacity <= 0 {
		o.InboxCapacity = DefaultInboxCapacity
	}
	if o.ReplayCapacity <= 0 {
		o.ReplayCapacity = DefaultReplayCapacity
	}
	return o
}

// MemoryEventBus implements EventBus with in-process delivery.
// Direct handlers run synchronously on the publisher's goroutine so a
// subscriber observes events in exactly the order they were published.
type MemoryEventBus struct {
	instanceID string
	handlers   []*directSubscription
	handlerIdx map[string]*directSubscription
	inboxes    map[string]*agentInbox
	replay     *replayRing
	opts       Options
	mu         sync.RWMutex
	closed     bool
	logger     *logger.Logger
}

// directSubscription is a synchronous handler registration.
type directSubscription struct {
	bus     *MemoryEventBus
	id      string
	handler Handler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *directSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.handlerIdx, s.id)
	for i, sub := range s.bus.handlers {
		if sub == s {
			s.bus.handlers = append(s.bus.handlers[:i], s.bus.handlers[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *directSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// agentInbox buffers filtered events for one agent. When full, the oldest
// event is dropped.
type agentInbox struct {
	sub     AgentSubscription
	pending []*events.Event
	dropped int
}

func (ib *agentInbox) matches(event *events.Event) bool {
	if ib.sub.ExcludeSelf {
		src := event.SourceAgent()
		if src != "" && (src == ib.sub.AgentID || src == ib.sub.AgentName) {
			return false
		}
	}
	if len(ib.sub.EventTypes) == 0 {
		return true
	}
	for _, t := range ib.sub.EventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger, opts Options) *MemoryEventBus {
	return &MemoryEventBus{
		instanceID: uuid.New().String(),
		handlerIdx: make(map[string]*directSubscription),
		inboxes:    make(map[string]*agentInbox),
		replay:     newReplayRing(opts.withDefaults().ReplayCapacity),
		opts:       opts.withDefaults(),
		logger:     log,
	}
}

// Publish delivers an event. Direct handlers are called synchronously,
// in registration order, before Publish returns; handler panics and errors
// are logged and isolated. The event is then appended to matching inboxes
// and, for critical types, to the replay ring.
func (b *MemoryEventBus) Publish(ctx context.Context, event *events.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return apperrors.Unavailable("event bus")
	}
	if event.Source == "" {
		event.Source = b.instanceID
	}
	handlers := make([]*directSubscription, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, sub := range handlers {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		b.invoke(ctx, sub, event)
	}

	b.mu.Lock()
	for _, inbox := range b.inboxes {
		if !inbox.matches(event) {
			continue
		}
		if len(inbox.pending) >= b.opts.InboxCapacity {
			inbox.pending = inbox.pending[1:]
			inbox.dropped++
			b.logger.Warn("agent inbox full, dropping oldest event",
				zap.String("agent_id", inbox.sub.AgentID),
				zap.Int("dropped_total", inbox.dropped))
		}
		inbox.pending = append(inbox.pending, event)
	}
	b.mu.Unlock()

	if events.IsCritical(event.Type) {
		b.replay.Add(event)
	}

	b.logger.Debug("published event",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// invoke runs one handler with panic isolation.
func (b *MemoryEventBus) invoke(ctx context.Context, sub *directSubscription, event *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscription_id", sub.id),
				zap.String("event_type", event.Type),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler error",
			zap.String("subscription_id", sub.id),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// Subscribe registers a direct handler under a subscription id.
func (b *MemoryEventBus) Subscribe(subscriptionID string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.Unavailable("event bus")
	}
	if _, exists := b.handlerIdx[subscriptionID]; exists {
		return nil, apperrors.Invalidf("subscription id already in use: %s", subscriptionID)
	}

	sub := &directSubscription{
		bus:     b,
		id:      subscriptionID,
		handler: handler,
		active:  true,
	}
	b.handlers = append(b.handlers, sub)
	b.handlerIdx[subscriptionID] = sub

	b.logger.Debug("direct subscription added", zap.String("subscription_id", subscriptionID))
	return sub, nil
}

// SubscribeAgent registers or refreshes a buffered subscription.
// Buffered events survive a filter refresh.
func (b *MemoryEventBus) SubscribeAgent(sub AgentSubscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return apperrors.Unavailable("event bus")
	}
	if sub.AgentID == "" {
		return apperrors.Invalid("agent subscription requires an agent id")
	}

	if existing, ok := b.inboxes[sub.AgentID]; ok {
		existing.sub = sub
		return nil
	}
	b.inboxes[sub.AgentID] = &agentInbox{sub: sub}
	return nil
}

// UnsubscribeAgent removes an agent's buffered subscription and inbox.
func (b *MemoryEventBus) UnsubscribeAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxes, agentID)
}

// DrainInbox returns and clears an agent's buffered events in order.
// Unknown agents drain empty.
func (b *MemoryEventBus) DrainInbox(agentID string) []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	inbox, ok := b.inboxes[agentID]
	if !ok || len(inbox.pending) == 0 {
		return nil
	}
	out := inbox.pending
	inbox.pending = nil
	return out
}

// Replay returns the retained critical events, oldest first.
func (b *MemoryEventBus) Replay() []*events.Event {
	return b.replay.All()
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.handlers {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.handlers = nil
	b.handlerIdx = make(map[string]*directSubscription)
	b.inboxes = make(map[string]*agentInbox)

	b.logger.Debug("memory event bus closed")
}

// IsConnected returns whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Ensure MemoryEventBus implements EventBus
var _ EventBus = (*MemoryEventBus)(nil)
