package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// Client is a bus.Client attached to a Hub.
type Client struct {
	hub  *Hub
	name string

	mu         sync.Mutex
	id         string
	handlers   map[string]bus.Handler
	registered atomic.Bool
	closed     atomic.Bool
}

var _ bus.Client = (*Client)(nil)

// ID returns the hub-assigned id of the current registration.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	c.mu.Lock()
	c.id = c.name + "-" + uuid.NewString()[:8]
	c.handlers = nil
	c.mu.Unlock()
	if err := c.hub.register(c); err != nil {
		return err
	}
	c.registered.Store(true)
	return nil
}

func (c *Client) Subscribe(ctx context.Context, mtypes []string, h bus.Handler) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	if !c.registered.Load() {
		return bus.ErrNotRegistered
	}
	handlers := make(map[string]bus.Handler, len(mtypes))
	for _, mt := range mtypes {
		handlers[mt] = h
	}
	c.mu.Lock()
	c.handlers = handlers
	c.mu.Unlock()
	return nil
}

func (c *Client) handlerFor(mtype string) (bus.Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handlers[mtype]
	return h, ok
}

func (c *Client) Reply(ctx context.Context, msg bus.Message, env protocol.Envelope) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	if msg.ReplyTo == "" {
		return nil
	}
	return c.hub.reply(c, msg.MsgID, env)
}

func (c *Client) Notify(ctx context.Context, mtype string, params map[string]any) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	return c.hub.notify(ctx, c, mtype, params)
}

func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	if !c.hub.Running() {
		return bus.ErrNotConnected
	}
	if !c.registered.Load() {
		return bus.ErrNotRegistered
	}
	return nil
}

// Call sends a request through the hub as if from another client.
func (c *Client) Call(ctx context.Context, mtype string, params map[string]any) (protocol.Envelope, error) {
	if c.closed.Load() {
		return protocol.Envelope{}, bus.ErrClosed
	}
	return c.hub.Call(ctx, mtype, params)
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.registered.Store(false)
	c.hub.unregister(c)
	return nil
}
