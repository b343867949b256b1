// Package live pushes freshly created re-encryption notifications to
// connected sender clients over websocket. Push is an optimization only;
// the poll endpoint remains the source of truth, so a dropped push is
// never compensated for here.
package live

import (
	"encoding/json"
	"sync"

	"gitlab.com/secp/services/keysync/internal/models"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

// Hub owns the set of connected clients, keyed by username. One client
// per username; a reconnect displaces the previous session.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	log *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.username]; ok {
		close(old.send)
	}
	h.clients[c.username] = c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.username]; ok && current == c {
		delete(h.clients, c.username)
		close(c.send)
	}
}

// Connected reports whether username has a live session.
func (h *Hub) Connected(username string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[username]
	return ok
}

// Push queues a notification for the sender's live session. Returns false
// when no session is registered so the caller can fall back to other
// channels.
func (h *Hub) Push(username string, n *models.KeyChangeNotification) bool {
	h.mu.RLock()
	client, ok := h.clients[username]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	payload, err := json.Marshal(map[string]interface{}{
		"type":         "key_change_notification",
		"notification": n,
	})
	if err != nil {
		h.log.Error("live push marshal failed", "err", err)
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		// Slow consumer; drop the push, polling will catch up.
		h.log.Warn("live push dropped, send buffer full", "username", username)
		return false
	}
}
