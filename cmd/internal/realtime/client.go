package realtime

import (
	"sync"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session. Its SessionID is the
// connection handle stored in the Registry.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent pushers.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	mu     sync.RWMutex
	userID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// UserID returns the identity announced on this connection ("" before addUser).
func (c *Client) UserID() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep pushes safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Push enqueues env without blocking.
// It reports false when the client is shutting down or its queue is full.
func (c *Client) Push(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// PushEvent marshals payload into a server envelope and pushes it.
func (c *Client) PushEvent(typ string, payload any, now time.Time) bool {
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(), now, payload)
	if err != nil {
		return false
	}
	return c.Push(env)
}
