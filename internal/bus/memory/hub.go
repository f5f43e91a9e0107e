// Package memory is an in-process bus hub. It serves single-host runs and
// tests, and can simulate a hub restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// Traffic is one message seen by the hub, kept in a ring buffer.
type Traffic struct {
	ID    int64     `json:"id"`
	At    time.Time `json:"at"`
	Kind  string    `json:"kind"` // request | reply | notify
	MsgID string    `json:"msg_id,omitempty"`
	MType string    `json:"mtype,omitempty"`
}

// Hub routes requests to registered clients and replies back to callers.
type Hub struct {
	nextID atomic.Int64

	mu      sync.Mutex
	running bool
	ring    []Traffic
	start   int
	size    int

	clients   map[string]*Client
	pending   map[string]chan protocol.Envelope
	observers map[int]chan bus.Message
	nextObsID int
}

// NewHub returns a running hub that remembers the last capacity messages.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		running:   true,
		ring:      make([]Traffic, capacity),
		clients:   make(map[string]*Client),
		pending:   make(map[string]chan protocol.Envelope),
		observers: make(map[int]chan bus.Message),
	}
}

// Stop simulates the hub going away: every registration is dropped and
// calls fail until Start.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	for _, c := range h.clients {
		c.registered.Store(false)
	}
	h.clients = make(map[string]*Client)
}

// Start brings a stopped hub back with no registered clients.
func (h *Hub) Start() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
}

// Running reports whether the hub accepts traffic.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Registered reports how many clients are currently registered.
func (h *Hub) Registered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// NewClient returns an unconnected client bound to this hub.
func (h *Hub) NewClient(name string) *Client {
	return &Client{hub: h, name: name}
}

// Send delivers a request and returns a channel that receives its single
// reply. The request goes to the first registered client bound to mtype.
func (h *Hub) Send(ctx context.Context, mtype string, params map[string]any) (string, <-chan protocol.Envelope, error) {
	msg := bus.Message{
		MsgID:    uuid.NewString(),
		SenderID: "hub",
		MType:    mtype,
		Params:   params,
		ReplyTo:  "hub",
	}
	replies := make(chan protocol.Envelope, 1)

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return "", nil, bus.ErrNotConnected
	}
	var target *Client
	var handler bus.Handler
	for _, c := range h.clients {
		if hd, ok := c.handlerFor(mtype); ok {
			target, handler = c, hd
			break
		}
	}
	if target == nil {
		h.mu.Unlock()
		return "", nil, fmt.Errorf("no client subscribed to %s", mtype)
	}
	h.pending[msg.MsgID] = replies
	h.pushLocked("request", msg.MsgID, mtype)
	h.mu.Unlock()

	handler(ctx, msg)
	return msg.MsgID, replies, nil
}

// Call sends a request and waits for its reply.
func (h *Hub) Call(ctx context.Context, mtype string, params map[string]any) (protocol.Envelope, error) {
	msgID, replies, err := h.Send(ctx, mtype, params)
	if err != nil {
		return protocol.Envelope{}, err
	}
	select {
	case env := <-replies:
		return env, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, msgID)
		h.mu.Unlock()
		return protocol.Envelope{}, ctx.Err()
	}
}

// Observe returns a channel of notifications broadcast through the hub.
func (h *Hub) Observe() (<-chan bus.Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextObsID
	h.nextObsID++
	ch := make(chan bus.Message, 128)
	h.observers[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.observers[id]; ok {
			delete(h.observers, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns buffered traffic, oldest first.
func (h *Hub) Recent() []Traffic {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Traffic, 0, h.size)
	for i := 0; i < h.size; i++ {
		out = append(out, h.ring[(h.start+i)%len(h.ring)])
	}
	return out
}

func (h *Hub) reply(c *Client, msgID string, env protocol.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return bus.ErrNotConnected
	}
	if h.clients[c.id] != c {
		return bus.ErrNotRegistered
	}
	h.pushLocked("reply", msgID, "")
	ch, ok := h.pending[msgID]
	if !ok {
		return nil
	}
	delete(h.pending, msgID)
	ch <- env
	return nil
}

func (h *Hub) notify(ctx context.Context, from *Client, mtype string, params map[string]any) error {
	msg := bus.Message{MsgID: uuid.NewString(), SenderID: from.id, MType: mtype, Params: params}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return bus.ErrNotConnected
	}
	h.pushLocked("notify", msg.MsgID, mtype)
	for _, ch := range h.observers {
		// Don't let slow observers block producers.
		select {
		case ch <- msg:
		default:
		}
	}
	var handlers []bus.Handler
	for _, c := range h.clients {
		if c == from {
			continue
		}
		if hd, ok := c.handlerFor(mtype); ok {
			handlers = append(handlers, hd)
		}
	}
	h.mu.Unlock()

	for _, hd := range handlers {
		hd(ctx, msg)
	}
	return nil
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return bus.ErrNotConnected
	}
	h.clients[c.id] = c
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
}

func (h *Hub) pushLocked(kind, msgID, mtype string) {
	tr := Traffic{ID: h.nextID.Add(1), At: time.Now().UTC(), Kind: kind, MsgID: msgID, MType: mtype}
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = tr
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = tr
	h.start = (h.start + 1) % capacity
}
