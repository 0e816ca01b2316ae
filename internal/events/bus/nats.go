package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
)

// NATSEventBus implements EventBus by layering a NATS mirror over the
// in-memory bus. Local delivery keeps the synchronous ordering guarantees;
// every published event is additionally mirrored onto the firehose subject
// and a per-type subject for external observers, and events published by
// other instances are ingested from the firehose into local delivery.
type NATSEventBus struct {
	local  *MemoryEventBus
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *logger.Logger
	config config.EventsConfig
}

// NewNATSEventBus connects to NATS and starts the firehose ingest.
func NewNATSEventBus(cfg config.EventsConfig, log *logger.Logger, opts Options) (*NATSEventBus, error) {
	b := &NATSEventBus{
		local:  NewMemoryEventBus(log, opts),
		logger: log,
		config: cfg,
	}

	natsOpts := []nats.Option{
		nats.Name("atelier-" + b.local.instanceID[:8]),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		// Connection status handlers
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(events.SubjectFirehose, b.ingest)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", events.SubjectFirehose, err)
	}
	b.sub = sub

	log.Info("connected to NATS", zap.String("url", cfg.URL))
	return b, nil
}

// Publish delivers locally first, then mirrors to NATS. A mirror failure
// is logged but does not fail the publish: local subscribers already saw
// the event.
func (b *NATSEventBus) Publish(ctx context.Context, event *events.Event) error {
	if err := b.local.Publish(ctx, event); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal event for mirror",
			zap.String("event_type", event.Type), zap.Error(err))
		return nil
	}
	if err := b.conn.Publish(events.SubjectFirehose, data); err != nil {
		b.logger.Warn("failed to mirror event to firehose",
			zap.String("event_type", event.Type), zap.Error(err))
	}
	if err := b.conn.Publish(events.SubjectForType(event.Type), data); err != nil {
		b.logger.Warn("failed to mirror event to typed subject",
			zap.String("event_type", event.Type), zap.Error(err))
	}
	return nil
}

// ingest feeds events published by other instances into local delivery.
// Our own mirrored events are recognized by source and skipped.
func (b *NATSEventBus) ingest(msg *nats.Msg) {
	var event events.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Error("failed to unmarshal firehose event",
			zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if event.Source == b.local.instanceID {
		return
	}
	if err := b.local.Publish(context.Background(), &event); err != nil {
		b.logger.Warn("failed to deliver ingested event", zap.Error(err))
	}
}

// Subscribe registers a direct handler under a subscription id.
func (b *NATSEventBus) Subscribe(subscriptionID string, handler Handler) (Subscription, error) {
	return b.local.Subscribe(subscriptionID, handler)
}

// SubscribeAgent registers or refreshes a buffered subscription.
func (b *NATSEventBus) SubscribeAgent(sub AgentSubscription) error {
	return b.local.SubscribeAgent(sub)
}

// UnsubscribeAgent removes an agent's buffered subscription and inbox.
func (b *NATSEventBus) UnsubscribeAgent(agentID string) {
	b.local.UnsubscribeAgent(agentID)
}

// DrainInbox returns and clears an agent's buffered events in order.
func (b *NATSEventBus) DrainInbox(agentID string) []*events.Event {
	return b.local.DrainInbox(agentID)
}

// Replay returns the retained critical events, oldest first.
func (b *NATSEventBus) Replay() []*events.Event {
	return b.local.Replay()
}

// Close drains the NATS connection and closes local delivery.
func (b *NATSEventBus) Close() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("error unsubscribing firehose", zap.Error(err))
		}
	}
	if b.conn != nil {
		// Drain processes pending messages before closing
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
	}
	b.local.Close()
	b.logger.Info("NATS event bus closed")
}

// IsConnected returns whether both NATS and local delivery are up.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected() && b.local.IsConnected()
}

// Ensure NATSEventBus implements EventBus
var _ EventBus = (*NATSEventBus)(nil)
