package chat

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one authenticated websocket session. A user may hold several
// clients (devices); each gets its own send queue drained by a single
// writer goroutine.
type Client struct {
	ConnID   string
	UserID   string
	TenantID string
	WS       *websocket.Conn
	Send     chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(connID, userID, tenantID string, ws *websocket.Conn, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 256
	}
	return &Client{
		ConnID:   connID,
		UserID:   userID,
		TenantID: tenantID,
		WS:       ws,
		Send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Enqueue hands a frame to the writer without blocking. A full queue
// drops the frame; the retry engine or sync recovers it.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// CloseSend stops the writer; safe to call more than once.
func (c *Client) CloseSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done reports writer shutdown to the pumps.
func (c *Client) Done() <-chan struct{} { return c.done }
