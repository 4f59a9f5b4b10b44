package events

import (
	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/events/bus"
)

// NewEventBus creates an event bus for the given configuration.
// A configured NATS URL selects the NATS-backed bus; otherwise the
// coordinator runs with the in-memory bus.
func NewEventBus(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.URL != "" {
		return bus.NewNATSEventBus(cfg, log)
	}
	return bus.NewMemoryEventBus(log), nil
}
