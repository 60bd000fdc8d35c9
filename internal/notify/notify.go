// Package notify pushes trade notifications to connected clients over
// websockets. The engine hands it the fragments of a committed match; the hub
// resolves which users are affected and delivers out-of-band. Delivery
// failures are logged and the connection dropped, never surfaced to the
// engine.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crossex/cross/internal/models"
)

// writeWait bounds how long a single delivery may block on a client that has
// stopped reading; past it the write errors and the connection is dropped.
const writeWait = 10 * time.Second

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to the conn
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks one notification connection per logged-in user.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[int64]*client
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{log: logger, clients: make(map[int64]*client)}
}

// Attach registers conn as the user's notification channel, replacing any
// previous connection.
func (h *Hub) Attach(userID int64, conn *websocket.Conn) {
	h.mu.Lock()
	prev := h.clients[userID]
	h.clients[userID] = &client{conn: conn}
	h.mu.Unlock()
	if prev != nil {
		prev.conn.Close()
	}
}

// Detach drops the user's connection if conn is still the registered one.
func (h *Hub) Detach(userID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[userID]; ok && c.conn == conn {
		delete(h.clients, userID)
	}
}

// tradesMessage is the payload pushed after a committed match.
type tradesMessage struct {
	Trades []models.Fragment `json:"trades"`
}

// Notify sends each affected user one message carrying the full fragment set
// of the match. Fragments without an owner (historical attribution) are
// included in the payload but target nobody.
func (h *Hub) Notify(fragments []models.Fragment) {
	if len(fragments) == 0 {
		return
	}
	data, err := json.Marshal(tradesMessage{Trades: fragments})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal trade notification")
		return
	}

	for _, userID := range affectedUsers(fragments) {
		h.mu.RLock()
		c, ok := h.clients[userID]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if err := c.write(data); err != nil {
			h.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to deliver trade notification")
			h.Detach(userID, c.conn)
			c.conn.Close()
		}
	}
}

// affectedUsers returns the distinct owners referenced by the fragments, in
// first-appearance order.
func affectedUsers(fragments []models.Fragment) []int64 {
	seen := make(map[int64]bool)
	var users []int64
	for _, f := range fragments {
		if f.UserID == 0 || seen[f.UserID] {
			continue
		}
		seen[f.UserID] = true
		users = append(users, f.UserID)
	}
	return users
}

// Broadcast pushes data to every connected client. Used for the periodic
// order-book snapshot.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	conns := make(map[int64]*client, len(h.clients))
	for id, c := range h.clients {
		conns[id] = c
	}
	h.mu.RUnlock()

	for userID, c := range conns {
		if err := c.write(data); err != nil {
			h.log.Warn().Err(err).Int64("user_id", userID).Msg("failed to broadcast")
			h.Detach(userID, c.conn)
			c.conn.Close()
		}
	}
}
