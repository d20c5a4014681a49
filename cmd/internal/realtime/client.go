package realtime

import (
	"sync"

	v1 "gabriel/shared/contracts/realtime/v1"
)

// Client is one connected WebSocket session.
//
// Send is never closed by the server; done signals the writer to stop.
// Close is idempotent.
type Client struct {
	ConnID string
	Send   chan v1.Envelope

	mu        sync.Mutex
	userID    string
	sessionID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Authenticate binds the connection to a user and auth session.
func (c *Client) Authenticate(userID, sessionID string) {
	c.mu.Lock()
	c.userID, c.sessionID = userID, sessionID
	c.mu.Unlock()
}

// UserID is empty until Authenticate is called.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
