// Package reply sends terminal reply envelopes with bounded retry.
package reply

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

const (
	DefaultMaxAttempts = 100
	DefaultRetryDelay  = 20 * time.Millisecond
)

// Observer is told the fate of every reply.
type Observer func(env protocol.Envelope, attempts int, delivered bool)

// Options tunes a Sender.
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Observer    Observer
}

// Sender delivers envelopes over a bus. Failures are logged and swallowed;
// callers never see them.
type Sender struct {
	bus         bus.Bus
	maxAttempts int
	retryDelay  time.Duration
	observer    Observer
}

func NewSender(b bus.Bus, opts Options) *Sender {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Sender{bus: b, maxAttempts: opts.MaxAttempts, retryDelay: opts.RetryDelay, observer: opts.Observer}
}

// Success sends an ok envelope carrying result.
func (s *Sender) Success(ctx context.Context, msg bus.Message, result map[string]any) bool {
	return s.Send(ctx, msg, protocol.Success(result))
}

// Failure sends an error envelope.
func (s *Sender) Failure(ctx context.Context, msg bus.Message, kind protocol.Kind, message string) bool {
	return s.Send(ctx, msg, protocol.Failure(kind, message))
}

// Send tries up to MaxAttempts times and reports whether the envelope was
// accepted by the bus. A closed bus is not retried.
func (s *Sender) Send(ctx context.Context, msg bus.Message, env protocol.Envelope) bool {
	logger := log.WithRequest(msg.MsgID, msg.MType)

	var err error
	attempt := 0
	for attempt < s.maxAttempts {
		attempt++
		if err = s.bus.Reply(ctx, msg, env); err == nil {
			s.observe(env, attempt, true)
			if attempt > 1 {
				logger.Info("reply delivered after retry", "attempts", attempt)
			}
			return true
		}
		if errors.Is(err, bus.ErrClosed) {
			break
		}
		if attempt == s.maxAttempts {
			break
		}
		t := time.NewTimer(s.retryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			logger.Error("reply abandoned", "attempts", attempt, "error", err, "cause", ctx.Err())
			s.observe(env, attempt, false)
			return false
		}
	}

	logger.Error("reply not delivered", "attempts", attempt, "status", env.Status, "error", err)
	s.observe(env, attempt, false)
	return false
}

func (s *Sender) observe(env protocol.Envelope, attempts int, delivered bool) {
	if s.observer != nil {
		s.observer(env, attempts, delivered)
	}
}
