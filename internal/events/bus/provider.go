package bus

import (
	"fmt"
	"strings"

	"github.com/atelier-dev/atelier/internal/common/config"
	"github.com/atelier-dev/atelier/internal/common/logger"
)

// ProvidedBus wraps the active event bus implementation. Memory and NATS
// expose the concrete type when selected so callers can reach
// implementation-specific knobs.
type ProvidedBus struct {
	Bus    EventBus
	Memory *MemoryEventBus
	NATS   *NATSEventBus
}

// Provide builds the event bus selected by configuration. The NATS variant
// requires a reachable server; the in-memory bus has no external
// dependencies and is the default.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	opts := Options{
		InboxCapacity:  cfg.Events.InboxCapacity,
		ReplayCapacity: cfg.Events.ReplayCapacity,
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Events.Bus), "nats") {
		natsBus, err := NewNATSEventBus(cfg.Events, log, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := NewMemoryEventBus(log, opts)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}
