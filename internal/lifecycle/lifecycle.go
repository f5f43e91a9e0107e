// Package lifecycle keeps the gateway connected and registered with its hub.
//
// A Manager connects, subscribes every operation mtype, and then checks
// liveness on a fixed interval. A failed check drops the state to
// disconnected and triggers a reconnect. If no check has succeeded for
// longer than the window, Run gives up with ErrLivenessTimeout.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/log"
)

// ErrLivenessTimeout is returned by Run when the hub stayed unreachable
// for longer than the window.
var ErrLivenessTimeout = errors.New("lifecycle: hub unreachable for longer than the liveness window")

const (
	DefaultInterval       = 1500 * time.Millisecond
	DefaultWindow         = 60 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

// State is the registration state of the gateway.
type State int32

const (
	Disconnected State = iota
	Connecting
	Registered
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	}
	return "unknown"
}

// Options configures a Manager.
type Options struct {
	Bus     bus.Bus
	MTypes  []string
	Handler bus.Handler

	Interval       time.Duration
	Window         time.Duration
	ConnectTimeout time.Duration

	// OnState is called on every state transition.
	OnState func(from, to State)
	// OnReconnect is called after a successful reconnect.
	OnReconnect func()
	// OnShutdown runs before the bus is closed on an orderly stop.
	OnShutdown func()
}

// Manager owns the bus connection.
type Manager struct {
	opts   Options
	logger *slog.Logger

	state      atomic.Int32
	reconnects atomic.Int64

	mu     sync.Mutex
	lastOK time.Time
}

func New(opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Manager{
		opts:   opts,
		logger: log.WithComponent("lifecycle"),
	}
}

func (m *Manager) State() State { return State(m.state.Load()) }

// Registered reports whether the last connect or check succeeded.
func (m *Manager) Registered() bool { return m.State() == Registered }

// Reconnects returns how many times the connection was re-established.
func (m *Manager) Reconnects() int64 { return m.reconnects.Load() }

// LastSeen is the time of the last successful connect or check.
func (m *Manager) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOK
}

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.logger.Info("bus state changed", "from", from.String(), "to", to.String())
	if m.opts.OnState != nil {
		m.opts.OnState(from, to)
	}
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastOK = time.Now()
	m.mu.Unlock()
}

// Start makes the first connection attempt. The liveness window starts
// here. A failed attempt leaves the manager disconnected; Run retries.
func (m *Manager) Start(ctx context.Context) {
	m.touch()
	if err := m.connect(ctx); err != nil {
		m.logger.Warn("initial connect failed, will retry", "error", err)
	}
}

func (m *Manager) connect(ctx context.Context) error {
	m.setState(Connecting)
	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	if err := m.opts.Bus.Connect(cctx); err != nil {
		m.setState(Disconnected)
		return err
	}
	if err := m.opts.Bus.Subscribe(cctx, m.opts.MTypes, m.opts.Handler); err != nil {
		m.setState(Disconnected)
		return err
	}
	m.touch()
	m.setState(Registered)
	return nil
}

// Run checks liveness until ctx is cancelled or the window is exceeded.
// Cancellation closes the bus and returns nil.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-ticker.C:
			if err := m.check(ctx); err != nil {
				m.logger.Error("giving up on hub", "error", err, "last_seen", m.LastSeen())
				m.close()
				return err
			}
		}
	}
}

func (m *Manager) check(ctx context.Context) error {
	if m.Registered() {
		pctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		err := m.opts.Bus.Ping(pctx)
		cancel()
		if err == nil {
			m.touch()
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn("liveness check failed", "error", err)
		m.setState(Disconnected)
	}

	if time.Since(m.LastSeen()) > m.opts.Window {
		return ErrLivenessTimeout
	}
	if err := m.connect(ctx); err != nil {
		m.logger.Debug("reconnect failed", "error", err)
		return nil
	}
	n := m.reconnects.Add(1)
	m.logger.Info("reconnected to hub", "reconnects", n)
	if m.opts.OnReconnect != nil {
		m.opts.OnReconnect()
	}
	return nil
}

func (m *Manager) shutdown() {
	m.logger.Info("shutting down bus connection")
	if m.opts.OnShutdown != nil {
		m.opts.OnShutdown()
	}
	m.close()
}

func (m *Manager) close() {
	if err := m.opts.Bus.Close(); err != nil {
		m.logger.Warn("bus close failed", "error", err)
	}
	m.setState(Disconnected)
}
