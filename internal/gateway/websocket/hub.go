// Package websocket serves the realtime stream: session and run state
// changes pushed to connected UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/logger"
)

// Push is one message on the realtime stream. Type is the discriminator
// the client switches on; the remaining fields are payload.
type Push struct {
	Type      string      `json:"type"`
	Sessions  interface{} `json:"sessions,omitempty"`
	Session   interface{} `json:"session,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Run       interface{} `json:"run,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Hub manages the set of connected realtime clients and fans pushes out to
// them. Slow clients whose send buffer fills are dropped rather than
// back-pressuring the coordinator.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Push

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new realtime hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Push, 256),
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run starts the hub's main processing loop. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastPush(msg)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a push for every connected client.
func (h *Hub) Broadcast(msg *Push) {
	h.broadcast <- msg
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
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
		h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
	}
}

// broadcastPush fans a push out to all clients. Runs on the hub goroutine,
// so dropping a slow client synchronously is safe.
func (h *Hub) broadcastPush(msg *Push) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal push", zap.Error(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("Dropping slow realtime client",
			zap.String("client_id", client.ID))
		h.removeClient(client)
	}
}
