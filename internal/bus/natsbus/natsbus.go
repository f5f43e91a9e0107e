// Package natsbus carries bus traffic over NATS. Requests and notifications
// are published on <prefix>.op.<mtype>; replies use the request's inbox.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// Options configures a Client.
type Options struct {
	URL    string
	Prefix string
	Name   string
	// Timeout bounds dialing and flushes.
	Timeout time.Duration
}

// Client is a bus.Client over NATS.
type Client struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu   sync.Mutex
	id   string
	nc   *nats.Conn
	subs []*nats.Subscription
}

var _ bus.Client = (*Client)(nil)

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{opts: opts, ctx: ctx, cancel: cancel}
}

// ID returns the id of the current registration.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) subject(mtype string) string { return c.opts.Prefix + ".op." + mtype }

func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil {
		c.nc.Close()
		c.nc, c.subs = nil, nil
	}
	id := c.opts.Name + "-" + uuid.NewString()[:8]
	// Reconnection is driven by the lifecycle manager, not the client.
	nc, err := nats.Connect(c.opts.URL,
		nats.Name(id),
		nats.Timeout(c.opts.Timeout),
		nats.NoReconnect(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", bus.ErrNotConnected, err)
	}
	c.id, c.nc = id, nc
	return nil
}

func (c *Client) Subscribe(ctx context.Context, mtypes []string, h bus.Handler) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return bus.ErrNotRegistered
	}
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.subs = nil

	logger := log.WithComponent("bus")
	for _, mt := range mtypes {
		sub, err := c.nc.Subscribe(c.subject(mt), func(m *nats.Msg) {
			var msg bus.Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				logger.Warn("dropping malformed message", "subject", m.Subject, "error", err)
				return
			}
			msg.ReplyTo = m.Reply
			if msg.MType == "" {
				msg.MType = mt
			}
			h(c.ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("%w: subscribe %s: %v", bus.ErrNotConnected, mt, err)
		}
		c.subs = append(c.subs, sub)
	}
	if err := c.nc.FlushTimeout(c.opts.Timeout); err != nil {
		return fmt.Errorf("%w: flush: %v", bus.ErrNotConnected, err)
	}
	return nil
}

func (c *Client) conn() (*nats.Conn, error) {
	if c.closed.Load() {
		return nil, bus.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil, bus.ErrNotRegistered
	}
	return c.nc, nil
}

func (c *Client) publish(subject string, v any) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: publish: %v", bus.ErrNotConnected, err)
	}
	return nil
}

func (c *Client) Reply(ctx context.Context, msg bus.Message, env protocol.Envelope) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	if msg.ReplyTo == "" {
		return nil
	}
	return c.publish(msg.ReplyTo, bus.Reply{MsgID: msg.MsgID, Envelope: env})
}

func (c *Client) Notify(ctx context.Context, mtype string, params map[string]any) error {
	return c.publish(c.subject(mtype), bus.Message{
		MsgID:    uuid.NewString(),
		SenderID: c.ID(),
		MType:    mtype,
		Params:   params,
	})
}

// Ping round-trips to the server and checks that every subscription is
// still valid.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	c.mu.Lock()
	nc, subs := c.nc, c.subs
	c.mu.Unlock()
	if nc == nil {
		return bus.ErrNotRegistered
	}
	if !nc.IsConnected() {
		return bus.ErrNotConnected
	}
	flush := func() error { return nc.FlushTimeout(c.opts.Timeout) }
	if _, ok := ctx.Deadline(); ok {
		flush = func() error { return nc.FlushWithContext(ctx) }
	}
	if err := flush(); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrNotConnected, err)
	}
	for _, s := range subs {
		if !s.IsValid() {
			return bus.ErrNotRegistered
		}
	}
	return nil
}

func (c *Client) Call(ctx context.Context, mtype string, params map[string]any) (protocol.Envelope, error) {
	nc, err := c.conn()
	if err != nil {
		return protocol.Envelope{}, err
	}
	data, err := json.Marshal(bus.Message{
		MsgID:    uuid.NewString(),
		SenderID: c.ID(),
		MType:    mtype,
		Params:   params,
	})
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("encode: %w", err)
	}
	m, err := nc.RequestWithContext(ctx, c.subject(mtype), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return protocol.Envelope{}, fmt.Errorf("no client subscribed to %s", mtype)
		}
		return protocol.Envelope{}, err
	}
	var r bus.Reply
	if err := json.Unmarshal(m.Data, &r); err != nil {
		return protocol.Envelope{}, fmt.Errorf("decode reply: %w", err)
	}
	return r.Envelope, nil
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
		}
		c.nc, c.subs = nil, nil
	}
	return nil
}
