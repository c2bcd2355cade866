package ws

import (
	"log/slog"

	"github.com/gorilla/websocket"
)

// Client adapts an upgraded websocket connection to the hub's Subscriber
// interface.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient wraps conn for hub registration.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send pushes one status event frame to the peer. A write failure drops the
// connection; the hub evicts the client on the returned error.
func (c *Client) Send(payload []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close shuts the underlying connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
