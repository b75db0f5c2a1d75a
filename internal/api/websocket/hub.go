package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/churnwatch/internal/models"
	"github.com/kubilitics/churnwatch/internal/pkg/metrics"
)

type envelope struct {
	group string
	data  []byte
}

// Hub maintains active WebSocket connections and broadcasts messages to groups.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Outbound group messages
	broadcast chan envelope

	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new WebSocket hub
func NewHub(ctx context.Context, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger.Named("websocket"),
		ctx:        hubCtx,
		cancel:     cancel,
	}
}

// Run starts the hub
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.WebSocketConnectionsActive.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WebSocketConnectionsActive.Dec()
			}
			h.mu.Unlock()

		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.group != env.group {
					continue
				}
				select {
				case client.send <- env.data:
				default:
					// Client buffer full, close connection
					close(client.send)
					delete(h.clients, client)
					metrics.WebSocketConnectionsActive.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		metrics.WebSocketConnectionsActive.Dec()
	}
}

// Broadcast queues msg for every client in group. It never blocks; when the
// queue is full the message is dropped and logged.
func (h *Hub) Broadcast(group string, msg models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal websocket message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- envelope{group: group, data: data}:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("websocket broadcast queue full, message dropped",
			zap.String("group", group), zap.String("type", msg.Type))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GroupCount returns the number of connected clients in group.
func (h *Hub) GroupCount(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.group == group {
			n++
		}
	}
	return n
}
