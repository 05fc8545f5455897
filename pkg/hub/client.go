package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.

	// DefaultSendBuffer is the outbound queue length per client.
	DefaultSendBuffer = 256
)

// Client is a WebSocket subscriber. Push only enqueues; WritePump owns the
// connection writes.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

var _ Subscriber = (*Client)(nil)

// NewClient wraps conn. buffer <= 0 selects DefaultSendBuffer.
func NewClient(h *Hub, conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	id := "ws-" + uuid.NewString()
	return &Client{
		id:     id,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: h.logger.With().Str("subscriber", id).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

func (c *Client) ID() string { return c.id }

// Push enqueues payload without blocking. A full queue means the consumer is
// too slow and the client is reported unavailable.
func (c *Client) Push(_ context.Context, payload []byte) error {
	select {
	case <-c.done:
		return ErrUnavailable
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops the pumps and closes the connection. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ReadPump consumes inbound frames until the peer goes away. Messages carry no
// meaning beyond keeping the connection alive.
func (c *Client) ReadPump() {
	defer func() {
		if !c.hub.Remove(c.id) {
			_ = c.Close()
		}
		c.logger.Debug().Msg("read pump finished")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// WritePump sends queued payloads, one frame each, and pings the peer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
		c.logger.Debug().Msg("write pump finished")
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn().Err(err).Msg("websocket ping error")
				return
			}
		}
	}
}
