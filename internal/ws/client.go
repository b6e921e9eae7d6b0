package ws

import (
	"errors"
	"sync"

	"log/slog"

	"github.com/gorilla/websocket"
)

var errClientClosed = errors.New("ws: connection closed")

// Client adapts one websocket connection into a hub Subscriber. Writes are
// serialized behind a mutex: the initial snapshot push races with hub
// broadcasts, and gorilla connections allow only one concurrent writer.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one text message. A failed write closes the connection; the
// hub drops the subscriber when Send errors.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.closeLocked()
		return err
	}
	return nil
}

// ReadLoop drains inbound frames until the peer disconnects, then closes
// the connection and removes the client from the hub. Subscribers send
// nothing meaningful; the loop only observes teardown.
func (c *Client) ReadLoop(hub *Hub) {
	defer hub.Unregister(c)
	defer c.Close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
}
