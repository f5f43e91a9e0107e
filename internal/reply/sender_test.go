package reply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/protocol"
)

// flakyBus fails the first failures calls to Reply with err.
type flakyBus struct {
	bus.Bus

	mu       sync.Mutex
	failures int
	err      error
	calls    int
	sent     []protocol.Envelope
}

func (f *flakyBus) Reply(_ context.Context, _ bus.Message, env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func TestSendRetries(t *testing.T) {
	tests := []struct {
		name          string
		failures      int
		err           error
		maxAttempts   int
		wantDelivered bool
		wantCalls     int
	}{
		{name: "first try", failures: 0, err: bus.ErrNotConnected, maxAttempts: 5, wantDelivered: true, wantCalls: 1},
		{name: "transient", failures: 3, err: bus.ErrNotConnected, maxAttempts: 5, wantDelivered: true, wantCalls: 4},
		{name: "exhausted", failures: 10, err: bus.ErrNotRegistered, maxAttempts: 5, wantDelivered: false, wantCalls: 5},
		{name: "closed is final", failures: 10, err: bus.ErrClosed, maxAttempts: 5, wantDelivered: false, wantCalls: 1},
		{name: "wrapped closed", failures: 10, err: errors.Join(errors.New("x"), bus.ErrClosed), maxAttempts: 5, wantDelivered: false, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &flakyBus{failures: tt.failures, err: tt.err}
			var observed []bool
			s := NewSender(fb, Options{
				MaxAttempts: tt.maxAttempts,
				RetryDelay:  time.Millisecond,
				Observer: func(_ protocol.Envelope, attempts int, delivered bool) {
					observed = append(observed, delivered)
					assert.Equal(t, tt.wantCalls, attempts)
				},
			})

			got := s.Success(context.Background(), bus.Message{MsgID: "m1", ReplyTo: "c"}, map[string]any{"a": "1"})
			assert.Equal(t, tt.wantDelivered, got)
			assert.Equal(t, tt.wantCalls, fb.calls)
			assert.Equal(t, []bool{tt.wantDelivered}, observed)
			if tt.wantDelivered {
				require.Len(t, fb.sent, 1)
				assert.Equal(t, protocol.StatusOK, fb.sent[0].Status)
			}
		})
	}
}

func TestFailureEnvelope(t *testing.T) {
	fb := &flakyBus{}
	s := NewSender(fb, Options{})
	require.True(t, s.Failure(context.Background(), bus.Message{MsgID: "m"}, protocol.KindFit, "Fitting stopped"))

	kind, msg, failed := fb.sent[0].Failed()
	assert.True(t, failed)
	assert.Equal(t, protocol.KindFit, kind)
	assert.Equal(t, "Fitting stopped", msg)
}

func TestSendStopsOnContext(t *testing.T) {
	fb := &flakyBus{failures: 1000, err: bus.ErrNotConnected}
	s := NewSender(fb, Options{MaxAttempts: 1000, RetryDelay: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
	defer cancel()
	assert.False(t, s.Success(ctx, bus.Message{MsgID: "m"}, nil))
	assert.Less(t, fb.calls, 10)
}

func TestDefaults(t *testing.T) {
	s := NewSender(&flakyBus{}, Options{})
	assert.Equal(t, DefaultMaxAttempts, s.maxAttempts)
}
