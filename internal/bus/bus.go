// Package bus defines the message-bus boundary: inbound requests, terminal
// replies, and fire-and-forget notifications. Transports live in
// subpackages.
package bus

import (
	"context"
	"errors"

	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

var (
	// ErrClosed is returned once a bus client has been closed. It is not
	// retryable.
	ErrClosed = errors.New("bus: closed")
	// ErrNotConnected means the hub is unreachable.
	ErrNotConnected = errors.New("bus: not connected")
	// ErrNotRegistered means the hub is up but no longer knows this client.
	ErrNotRegistered = errors.New("bus: client not registered")
)

// Message is one inbound request or notification. ReplyTo is empty for
// notifications.
type Message struct {
	MsgID    string         `json:"msg_id"`
	SenderID string         `json:"sender_id"`
	MType    string         `json:"mtype"`
	Params   map[string]any `json:"params"`
	ReplyTo  string         `json:"reply_to,omitempty"`
}

// Reply is the wire form of a terminal reply.
type Reply struct {
	MsgID    string            `json:"msg_id"`
	Envelope protocol.Envelope `json:"envelope"`
}

// Handler receives inbound messages. Transports call it from their receive
// loop, so it must not block.
type Handler func(ctx context.Context, msg Message)

// Bus is a client connection to a hub.
type Bus interface {
	// Connect establishes the connection and registers this client.
	Connect(ctx context.Context) error
	// Subscribe binds h to every mtype, replacing earlier bindings.
	Subscribe(ctx context.Context, mtypes []string, h Handler) error
	// Reply sends the terminal envelope for msg.
	Reply(ctx context.Context, msg Message, env protocol.Envelope) error
	// Notify broadcasts params on mtype without expecting a reply.
	Notify(ctx context.Context, mtype string, params map[string]any) error
	// Ping reports whether the hub is reachable and still knows this client.
	Ping(ctx context.Context) error
	// Close unregisters and disconnects.
	Close() error
}

// Caller sends a request and waits for its reply. Every transport client
// implements it; the gateway itself only answers.
type Caller interface {
	Call(ctx context.Context, mtype string, params map[string]any) (protocol.Envelope, error)
}

// Client is a Bus that can also originate calls.
type Client interface {
	Bus
	Caller
}
