package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"averagerule/internal/logger"
	"averagerule/internal/metrics"
	"averagerule/internal/models"
)

// ErrHubStopped is returned when publishing to a hub that is not running.
var ErrHubStopped = errors.New("websocket hub stopped")

// message is the frame sent to clients.
type message struct {
	Type    string               `json:"type"`
	Payload *models.Notification `json:"payload"`
}

// Hub maintains the set of active clients and broadcasts notifications to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	log := logger.WithComponent("websocket_hub")
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			metrics.WebsocketClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			log.Debug().Str("remote_addr", client.remoteAddr()).Msg("websocket client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Debug().Str("remote_addr", client.remoteAddr()).Msg("websocket client unregistered")
			}
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Slow consumer; drop it rather than stall the hub
					log.Warn().Str("remote_addr", client.remoteAddr()).Msg("websocket client send buffer full, removing")
					close(client.send)
					delete(h.clients, client)
				}
			}
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish broadcasts one notification to all clients.
func (h *Hub) Publish(ctx context.Context, n *models.Notification) error {
	data, err := json.Marshal(message{Type: "notification", Payload: n})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishBatch broadcasts each notification in order.
func (h *Hub) PublishBatch(ctx context.Context, notifications []*models.Notification) error {
	for _, n := range notifications {
		if err := h.Publish(ctx, n); err != nil {
			return err
		}
	}
	return nil
}
