package bus

import (
	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
)

// NewFromConfig selects the bus backend: NATS when a URL is configured,
// the in-memory bus otherwise.
func NewFromConfig(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		log.Info("no NATS URL configured, using in-memory event bus")
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
