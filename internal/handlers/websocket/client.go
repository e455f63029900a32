package websocket

import (
	"sync"
	"time"

	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

type Client struct {
	ID          string
	Principal   types.Principal
	Conn        *websocket.Conn
	Send        chan []byte   // Outgoing messages
	RateLimiter *rate.Limiter // Keeps a client from flooding the engine with bids
	closed      bool
	mu          sync.Mutex // Guards closed and sends on Send
}

func newClient(p types.Principal, conn *websocket.Conn) *Client {
	return &Client{
		ID:          p.UserID,
		Principal:   p,
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		RateLimiter: rate.NewLimiter(1, 3),
	}
}

// Deliver queues a message without blocking. It reports false when the
// client is gone or too slow to keep up.
func (c *Client) Deliver(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- message:
		return true
	default:
		return false
	}
}

// ReadMessages listens for incoming messages until the connection drops.
func (c *Client) ReadMessages(opts Options, handleMessage func(*Client, []byte)) {
	c.Conn.SetReadLimit(opts.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(opts.pongWait()))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(opts.pongWait()))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Unexpected close", "client", c.ID, "error", err)
			}
			return
		}
		handleMessage(c, message)
	}
}

// WriteMessages is the only writer on the connection. It also keeps the
// connection alive with pings.
func (c *Client) WriteMessages(opts Options) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("Error sending message", "client", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Disconnect cleans up client resources. Safe to call more than once.
func (c *Client) Disconnect(hub *Hub) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()

	if hub != nil {
		hub.Unregister(c)
	}
	log.Debug("Client cleanup completed", "client", c.ID)
}
