// Package dashboard fans out gateway and job store events to browser
// WebSocket clients. Delivery is best-effort: slow clients get messages
// dropped, never an unbounded queue.
package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// maxBufferedBytes caps the bytes queued per client before further
// broadcasts to it are dropped.
const maxBufferedBytes = 2 * 1024 * 1024

// Envelope is the frame shape sent to dashboard clients.
type Envelope struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope wraps an event for dashboard delivery.
func NewEnvelope(event string, payload interface{}) *Envelope {
	return &Envelope{
		Type:      "event",
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Hub manages all dashboard client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Envelope

	// done is closed when Run exits so Register/Unregister cannot
	// block on a loop that is no longer receiving.
	done chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a dashboard hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Envelope, 256),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "dashboard_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("dashboard hub started")
	defer h.logger.Info("dashboard hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case env := <-h.broadcast:
			h.broadcastEnvelope(env)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastEnvelope(env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal broadcast envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.enqueue(data) {
			h.logger.Warn("dropping event for slow client",
				zap.String("client_id", client.ID),
				zap.String("event", env.Event))
		}
	}
}

// Register adds a client to the hub. After the hub has stopped the
// client's send channel is closed instead, which shuts its write pump
// down and with it the connection.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub. A no-op once the hub has
// stopped; teardown already closed every registered client.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast sends an envelope to all connected clients.
func (h *Hub) Broadcast(env *Envelope) {
	select {
	case h.broadcast <- env:
	default:
		h.logger.Warn("broadcast queue full, dropping event",
			zap.String("event", env.Event))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
