package wsconn

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// The pump timing constants below follow the idiomatic gorilla/websocket
// ping-pong keepalive shape; no teacher source defines a Client type for
// gateway-go/hub/hub.go to reference (it declares the field/method
// contract — hub, conn, send, streamID, userEmail, userType,
// writePump/readPump — but never a client.go), so this file is authored
// from that usage contract rather than transcribed.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 20 // 4MiB, generous enough for a batched stream frame
)

// Client is one worker's live WebSocket connection. It satisfies
// registry.Sender so the Registry can hold it directly, and it owns the
// read/write pumps that translate wire frames to Hub callbacks.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	nodeID string // set once Register succeeds; empty during handshake
	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{hub: hub, conn: conn, send: make(chan []byte, 256), logger: logger}
}

// Send implements registry.Sender: a non-blocking enqueue onto the
// client's write channel, mirroring hub.go's sendToClient drop-on-full
// behavior rather than blocking the caller.
func (c *Client) Send(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close implements registry.Sender.
func (c *Client) Close() error {
	return c.conn.Close()
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with periodic pings, mirroring the standard
// gorilla/websocket client-writer shape.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump reads frames off the socket and hands each to the Hub's
// dispatcher until the connection closes or a read fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("worker connection closed unexpectedly", slog.String("node_id", c.nodeID), slog.Any("error", err))
			}
			return
		}
		c.hub.dispatch(c, data)
	}
}
