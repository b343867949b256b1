package live

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/keysync/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one websocket session for a sender.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	username string
	send     chan []byte
	presence *presence.Tracker
}

// Serve registers the connection and runs its pumps until it drops. The
// caller owns authentication; username is assumed canonical.
func (h *Hub) Serve(conn *websocket.Conn, username string, tracker *presence.Tracker) {
	client := &Client{
		hub:      h,
		conn:     conn,
		username: username,
		send:     make(chan []byte, 16),
		presence: tracker,
	}
	h.register(client)
	client.presence.SetOnline(context.Background(), username)

	go client.writePump()
	client.readPump()
}

// readPump discards inbound frames (the socket is push-only) and keeps
// the connection and presence record alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.presence.SetOffline(context.Background(), c.username)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.presence.Refresh(context.Background(), c.username)
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
