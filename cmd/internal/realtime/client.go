package realtime

import (
	"sync"

	v1 "voicegate/shared/contracts/voice/v1"
)

// Client is the outbound side of one websocket connection.
//
// Send is never closed; producers select on Done instead, so late callbacks from timers or
// backend calls cannot panic on a closed channel.
type Client struct {
	ConnID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(connID string, queue int) *Client {
	if queue <= 0 {
		queue = wsDefaultSendQueueSize
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.Envelope, queue),
		done:   make(chan struct{}),
	}
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Close is idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Enqueue queues env without blocking. It reports false when the client is closed or the queue is full.
func (c *Client) Enqueue(env v1.Envelope) bool {
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
