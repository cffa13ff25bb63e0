package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024
)

// Client is one live transport session: a user/device pair bound to a socket.
// Delivery goes through the bounded send channel so one slow client never
// blocks the hub or its siblings.
type Client struct {
	userID   string
	deviceID string

	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger

	// sendMu serializes sends against closeSend so a fan-out racing an
	// unregister can never write to a closed channel.
	sendMu     sync.Mutex
	sendClosed bool
	send       chan []byte

	// alive is cleared by each heartbeat tick and restored by any inbound
	// traffic; a client found cleared on the next tick is evicted.
	alive atomic.Bool

	unregOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, userID, deviceID string, sendBuffer int, logger *zap.Logger) *Client {
	c := &Client{
		userID:   userID,
		deviceID: deviceID,
		hub:      hub,
		conn:     conn,
		logger:   logger,
		send:     make(chan []byte, sendBuffer),
	}
	c.alive.Store(true)
	return c
}

// enqueue offers a message without blocking. It reports false when the send
// buffer is full or already closed and the message was dropped.
func (c *Client) enqueue(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once, shutting the write pump
// down. Safe to race with enqueue.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) ping() {
	if c.conn == nil {
		return
	}
	// WriteControl is safe concurrently with the write pump.
	_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *Client) closeTransport() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// writePump drains the send channel onto the socket. It exits when the hub
// closes the channel (unregister) or a write fails, closing the transport
// either way so the read pump unblocks.
func (c *Client) writePump() {
	defer c.closeTransport()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.Unregister(c)
			return
		}
	}
}

// readPump consumes inbound frames until the transport dies. Any traffic
// counts as liveness; malformed envelopes are logged and ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeTransport()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.alive.Store(true)

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("ignoring malformed message",
				zap.String("user_id", c.userID),
				zap.String("device_id", c.deviceID),
				zap.Error(err))
			continue
		}
		switch env.Type {
		case TypePing:
			c.enqueue(mustEnvelope(TypePong, nil))
		default:
			// Clients have nothing else to say; anything unexpected is noise.
			c.logger.Debug("ignoring unexpected message type",
				zap.String("type", env.Type),
				zap.String("device_id", c.deviceID))
		}
	}
}
