package dashboard

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/events/bus"
	"github.com/agentboard/agentboard/internal/gateway"
	"github.com/agentboard/agentboard/internal/job/store"
)

// Bridge feeds the hub from its two event sources: the gateway link
// (agent output, connection status) and the job store via the event bus.
type Bridge struct {
	hub    *Hub
	link   *gateway.Link
	bus    bus.EventBus
	logger *logger.Logger

	disposeLink func()
	busSub      bus.Subscription
}

// NewBridge wires a hub to a link and the event bus.
func NewBridge(hub *Hub, link *gateway.Link, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		link:   link,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "dashboard_bridge")),
	}
}

// Start subscribes to both sources. Call Stop to detach.
func (b *Bridge) Start() error {
	b.disposeLink = b.link.OnAny(func(event string, payload json.RawMessage) {
		b.hub.Broadcast(NewEnvelope(event, payload))
	})

	sub, err := b.bus.Subscribe(store.BusSubjectPrefix+">", func(ctx context.Context, ev *bus.Event) error {
		b.hub.Broadcast(NewEnvelope(ev.Type, ev.Data))
		return nil
	})
	if err != nil {
		b.disposeLink()
		return err
	}
	b.busSub = sub

	b.logger.Info("dashboard bridge started")
	return nil
}

// Stop detaches the bridge from its sources.
func (b *Bridge) Stop() {
	if b.disposeLink != nil {
		b.disposeLink()
	}
	if b.busSub != nil {
		if err := b.busSub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe from event bus", zap.Error(err))
		}
	}
	b.logger.Info("dashboard bridge stopped")
}
