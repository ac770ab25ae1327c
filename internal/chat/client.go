package chat

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cliquechain/internal/presence"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum message size allowed from peer.
	sendBuffer     = 256
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Dispatcher is the part of the presence hub the transport feeds.
type Dispatcher interface {
	Handle(conn presence.Connection, data []byte)
	Unregister(conn presence.Connection)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id   string
	hub  Dispatcher
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

func NewClient(hub Dispatcher, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues one frame without blocking. A client that cannot keep up is closed.
func (c *Client) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame and drops the socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *Client) Closed() bool { return c.closed.Load() }

// Start runs both pumps. It returns immediately.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump pumps frames from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.Close()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "connId", c.id, "error", err)
			}
			return
		}
		c.hub.Handle(c, message)
	}
}

// writePump pumps frames from the hub to the websocket connection, one JSON
// event per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.flush()
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// flush writes frames queued before Close, so an error event sent right
// before a server-side close still reaches the peer.
func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
