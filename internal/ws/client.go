package ws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer. Consumers only ever send
	// control traffic, so this is deliberately small.
	maxMessageSize = 4 * 1024

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one live consumer connection. The heartbeat monitor owns the
// liveness fields; the read pump clears pendingPing when a pong arrives.
// buffered tracks the outstanding write backlog in bytes and is maintained
// by the send path (incremented on enqueue, decremented after each wire
// write) so the backpressure guard can read it without touching the socket.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	connID     string
	remoteAddr string
	logger     *zap.Logger

	buffered atomic.Int64

	mu          sync.Mutex
	closed      bool
	pendingPing bool
	lastPongAt  time.Time
}

// HandleStream upgrades an HTTP request to a WebSocket consumer connection
// and registers it with the hub. The bearer credential travels as an
// access_token query parameter and is vetted before the upgrade.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		http.Error(w, "missing access_token", http.StatusUnauthorized)
		return
	}
	if h.authorize != nil && !h.authorize(token) {
		http.Error(w, "invalid access_token", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		connID:     uuid.New().String(),
		remoteAddr: r.RemoteAddr,
		logger:     h.logger,
		lastPongAt: time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ConnID returns the generated connection identifier.
func (c *Client) ConnID() string { return c.connID }

// BufferedBytes returns the current outstanding write backlog.
func (c *Client) BufferedBytes() int64 { return c.buffered.Load() }

// enqueue places a pre-serialized message on the send path without
// blocking. It reports false when the buffer is full, which the caller
// treats as an eviction signal.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true // already torn down, nothing to deliver
	}

	select {
	case c.send <- msg:
		c.buffered.Add(int64(len(msg)))
		return true
	default:
		return false
	}
}

// closeSend shuts the send channel exactly once, terminating the write pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// markPing records an outgoing liveness probe. It reports whether a probe
// was already outstanding, meaning the peer missed a full probe cycle.
func (c *Client) markPing() (alreadyPending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	alreadyPending = c.pendingPing
	c.pendingPing = true
	return alreadyPending
}

// pongReceived clears the outstanding probe and stamps the liveness time.
// Called from the read pump's pong handler.
func (c *Client) pongReceived() {
	c.mu.Lock()
	c.pendingPing = false
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

// LastPongAt returns the time of the most recent liveness confirmation.
func (c *Client) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

// sendPing writes a ping control frame. WriteControl is safe to call
// concurrently with the write pump.
func (c *Client) sendPing() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// readPump consumes inbound frames until the connection dies. Consumers
// send no application messages; the pump exists to service pong control
// frames and to detect disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.pongReceived()
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump drains the send channel onto the wire, releasing backlog bytes
// as messages leave the buffer.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.TextMessage, message)
		c.buffered.Add(-int64(len(message)))
		if err != nil {
			c.logger.Debug("websocket write error",
				zap.String("connID", c.connID),
				zap.Error(err),
			)
			return
		}
	}

	// Send channel closed by the registry: say goodbye politely.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
