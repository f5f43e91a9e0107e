// Package redisbus carries bus traffic over Redis pub/sub. Requests and
// notifications are published on <prefix>:op:<mtype>; replies go to the
// caller's <prefix>:reply:<client_id> channel. A client counts as registered
// while its <prefix>:clients:<client_id> key exists.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// Options configures a Client.
type Options struct {
	URL    string
	Prefix string
	Name   string
	// TTL is how long the registration key lives without a Ping.
	TTL time.Duration
}

// Client is a bus.Client over Redis.
type Client struct {
	rdb    *redis.Client
	prefix string
	name   string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	closed atomic.Bool

	mu       sync.Mutex
	id       string
	pubsub   *redis.PubSub
	mtypes   []string
	handler  bus.Handler
	loopDone chan struct{}

	// pendMu is separate from mu: the receive loop takes it while
	// stopLoopLocked waits for that loop with mu held.
	pendMu  sync.Mutex
	pending map[string]chan protocol.Envelope
}

var _ bus.Client = (*Client)(nil)

// New parses opts.URL and returns an unconnected client.
func New(opts Options) (*Client, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		rdb:     redis.NewClient(ropts),
		prefix:  opts.Prefix,
		name:    opts.Name,
		ttl:     opts.TTL,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]chan protocol.Envelope),
	}, nil
}

// ID returns the id of the current registration.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) opChannel(mtype string) string { return c.prefix + ":op:" + mtype }
func (c *Client) replyChannel(id string) string { return c.prefix + ":reply:" + id }
func (c *Client) clientKey(id string) string    { return c.prefix + ":clients:" + id }

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return bus.ErrClosed
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrNotConnected, err)
	}

	id := c.name + "-" + uuid.NewString()[:8]
	meta, _ := json.Marshal(map[string]any{
		"name":         c.name,
		"connected_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := c.rdb.Set(ctx, c.clientKey(id), meta, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: register: %v", bus.ErrNotConnected, err)
	}
	if c.id != "" && c.id != id {
		_ = c.rdb.Del(ctx, c.clientKey(c.id)).Err()
	}
	c.id = id
	c.mtypes = nil
	c.handler = nil
	return c.resubscribeLocked(ctx)
}

func (c *Client) Subscribe(ctx context.Context, mtypes []string, h bus.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return bus.ErrClosed
	}
	if c.id == "" {
		return bus.ErrNotRegistered
	}
	c.mtypes = append([]string(nil), mtypes...)
	c.handler = h
	return c.resubscribeLocked(ctx)
}

// resubscribeLocked replaces the pubsub connection with one listening on the
// reply channel and every bound mtype, and waits for the server to confirm
// each subscription.
func (c *Client) resubscribeLocked(ctx context.Context) error {
	c.stopLoopLocked()

	channels := []string{c.replyChannel(c.id)}
	for _, mt := range c.mtypes {
		channels = append(channels, c.opChannel(mt))
	}
	ps := c.rdb.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("%w: subscribe: %v", bus.ErrNotConnected, err)
		}
	}
	c.pubsub = ps
	done := make(chan struct{})
	c.loopDone = done
	go c.receive(ps.Channel(), c.replyChannel(c.id), c.handler, done)
	return nil
}

func (c *Client) stopLoopLocked() {
	if c.pubsub == nil {
		return
	}
	_ = c.pubsub.Close()
	<-c.loopDone
	c.pubsub = nil
	c.loopDone = nil
}

func (c *Client) receive(ch <-chan *redis.Message, replyChannel string, h bus.Handler, done chan struct{}) {
	defer close(done)
	logger := log.WithComponent("bus")
	for m := range ch {
		if m.Channel == replyChannel {
			var r bus.Reply
			if err := json.Unmarshal([]byte(m.Payload), &r); err != nil {
				logger.Warn("dropping malformed reply", "error", err)
				continue
			}
			c.deliver(r)
			continue
		}
		var msg bus.Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			logger.Warn("dropping malformed message", "channel", m.Channel, "error", err)
			continue
		}
		if msg.MType == "" {
			msg.MType = strings.TrimPrefix(m.Channel, c.prefix+":op:")
		}
		if h != nil {
			h(c.ctx, msg)
		}
	}
}

func (c *Client) deliver(r bus.Reply) {
	c.pendMu.Lock()
	ch, ok := c.pending[r.MsgID]
	delete(c.pending, r.MsgID)
	c.pendMu.Unlock()
	if ok {
		ch <- r.Envelope
	}
}

func (c *Client) publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return bus.ErrClosed
		}
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
	return c.publish(ctx, c.replyChannel(msg.ReplyTo), bus.Reply{MsgID: msg.MsgID, Envelope: env})
}

func (c *Client) Notify(ctx context.Context, mtype string, params map[string]any) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	msg := bus.Message{MsgID: uuid.NewString(), SenderID: c.ID(), MType: mtype, Params: params}
	return c.publish(ctx, c.opChannel(mtype), msg)
}

// Ping checks the server and refreshes the registration key.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return bus.ErrClosed
	}
	id := c.ID()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrNotConnected, err)
	}
	if id == "" {
		return bus.ErrNotRegistered
	}
	ok, err := c.rdb.Expire(ctx, c.clientKey(id), c.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", bus.ErrNotConnected, err)
	}
	if !ok {
		return bus.ErrNotRegistered
	}
	return nil
}

// Call publishes a request and waits for the reply on this client's reply
// channel.
func (c *Client) Call(ctx context.Context, mtype string, params map[string]any) (protocol.Envelope, error) {
	if c.closed.Load() {
		return protocol.Envelope{}, bus.ErrClosed
	}
	c.mu.Lock()
	subscribed, id := c.pubsub != nil, c.id
	c.mu.Unlock()
	if !subscribed {
		return protocol.Envelope{}, bus.ErrNotRegistered
	}

	msg := bus.Message{MsgID: uuid.NewString(), SenderID: id, MType: mtype, Params: params, ReplyTo: id}
	data, err := json.Marshal(msg)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("encode: %w", err)
	}
	replies := make(chan protocol.Envelope, 1)
	c.pendMu.Lock()
	c.pending[msg.MsgID] = replies
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, msg.MsgID)
		c.pendMu.Unlock()
	}()

	n, err := c.rdb.Publish(ctx, c.opChannel(mtype), data).Result()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: publish: %v", bus.ErrNotConnected, err)
	}
	if n == 0 {
		return protocol.Envelope{}, fmt.Errorf("no client subscribed to %s", mtype)
	}
	select {
	case env := <-replies:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	c.stopLoopLocked()
	id := c.id
	c.mu.Unlock()

	c.cancel()
	if id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.rdb.Del(ctx, c.clientKey(id)).Err()
		cancel()
	}
	return c.rdb.Close()
}
