package ws

import (
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long one progress frame may block on a slow peer
// before the connection is considered dead.
const writeWait = 10 * time.Second

// Client adapts a websocket connection to the progress stream subscriber
// contract. Sends arrive from the hub goroutine; the mutex guards against the
// HTTP handler closing the connection mid-write.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	log    *slog.Logger
	closed bool
}

// NewClient constructs a client wrapper around an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one event frame. A failed or expired write closes the
// connection; the hub drops the subscriber on the returned error.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.closed = true
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
