package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
	"github.com/mattjoyce/sherpa-gw/internal/reply"
)

// replyTimeout bounds a terminal reply once it is detached from the request
// context.
const replyTimeout = 10 * time.Second

// replyContext outlives ctx's cancellation so requests cut short by stop or
// shutdown are still answered.
func replyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
}

// Responder is the one-shot reply latch of a request. Whoever claims it
// first sends the only reply; later attempts are no-ops.
type Responder struct {
	msg     bus.Message
	sender  *reply.Sender
	claimed atomic.Bool
}

func newResponder(msg bus.Message, sender *reply.Sender) *Responder {
	return &Responder{msg: msg, sender: sender}
}

// Claimed reports whether a reply has been (or is being) sent.
func (r *Responder) Claimed() bool { return r.claimed.Load() }

func (r *Responder) claim() bool { return r.claimed.CompareAndSwap(false, true) }

// Success sends an ok reply if the latch is still free.
func (r *Responder) Success(ctx context.Context, result map[string]any) bool {
	if !r.claim() {
		return false
	}
	ctx, cancel := replyContext(ctx)
	defer cancel()
	r.sender.Success(ctx, r.msg, result)
	return true
}

// Failure sends an error reply if the latch is still free.
func (r *Responder) Failure(ctx context.Context, kind protocol.Kind, message string) bool {
	if !r.claim() {
		return false
	}
	ctx, cancel := replyContext(ctx)
	defer cancel()
	r.sender.Failure(ctx, r.msg, kind, message)
	return true
}

type resultKind int

const (
	resultOK resultKind = iota
	resultFail
	resultHandled
)

// Result is what a handler hands back to the router.
type Result struct {
	kind    resultKind
	value   map[string]any
	exc     protocol.Kind
	message string
}

// OK is a successful result.
func OK(value map[string]any) Result { return Result{kind: resultOK, value: value} }

// Fail is a failed result.
func Fail(kind protocol.Kind, message string) Result {
	return Result{kind: resultFail, exc: kind, message: message}
}

// Handled means the reply was already sent elsewhere.
func Handled() Result { return Result{kind: resultHandled} }

func (r Result) String() string {
	switch r.kind {
	case resultOK:
		return "ok"
	case resultFail:
		return "error"
	default:
		return "handled"
	}
}
