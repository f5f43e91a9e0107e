// Package gateway assembles the running service: bus connection, request
// router, job executor, history, metrics and the ops API.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/sherpa-gw/internal/api"
	"github.com/mattjoyce/sherpa-gw/internal/auth"
	"github.com/mattjoyce/sherpa-gw/internal/bus"
	"github.com/mattjoyce/sherpa-gw/internal/bus/memory"
	"github.com/mattjoyce/sherpa-gw/internal/config"
	"github.com/mattjoyce/sherpa-gw/internal/dispatch"
	"github.com/mattjoyce/sherpa-gw/internal/events"
	"github.com/mattjoyce/sherpa-gw/internal/history"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/lifecycle"
	"github.com/mattjoyce/sherpa-gw/internal/log"
	"github.com/mattjoyce/sherpa-gw/internal/metrics"
	"github.com/mattjoyce/sherpa-gw/internal/reply"
	"github.com/mattjoyce/sherpa-gw/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Options overrides parts of the assembly.
type Options struct {
	// Hub serves the memory transport. Nil creates a private one.
	Hub *memory.Hub
}

type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	hub      *memory.Hub
	bus      bus.Client
	db       *sql.DB
	history  *history.Store
	pruner   *history.Pruner
	metrics  *metrics.Collector
	events   *events.Hub
	executor *jobs.Executor
	router   *dispatch.Router
	manager  *lifecycle.Manager
	api      *api.Server
}

// New wires every component from cfg. Nothing touches the network until
// Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		logger:  log.WithComponent("main"),
		hub:     opts.Hub,
		metrics: metrics.NewCollector(),
		events:  events.NewHub(0),
	}
	if cfg.Bus.Transport == config.TransportMemory && g.hub == nil {
		g.hub = memory.NewHub(0)
	}

	client, err := NewClient(cfg.Bus, cfg.Liveness, cfg.Bus.ClientName, g.hub)
	if err != nil {
		return nil, err
	}
	g.bus = client

	if cfg.State.Path != "" {
		if err := g.openHistory(ctx); err != nil {
			return nil, err
		}
	}

	registry := jobs.NewRegistry()
	g.executor, err = jobs.NewExecutor(registry, jobs.Options{
		Command:   cfg.Worker.Command,
		Args:      cfg.Worker.Args,
		Env:       cfg.Worker.Env,
		KillGrace: cfg.Worker.KillGrace,
		Timeout:   cfg.Worker.Timeout,
	})
	if err != nil {
		g.Close()
		return nil, err
	}
	g.metrics.WatchRegistry(registry)
	g.executor.OnFinish(g.metrics.Job)
	g.executor.OnFinish(g.publishJob)
	if g.history != nil {
		g.executor.OnFinish(g.history.Recorder())
	}

	sender := reply.NewSender(client, reply.Options{
		MaxAttempts: cfg.Reply.MaxAttempts,
		RetryDelay:  cfg.Reply.RetryDelay,
		Observer:    g.metrics.Reply,
	})

	// The manager gates the router and the router serves the manager's
	// subscriptions; route through a closure to break the cycle.
	g.manager = lifecycle.New(lifecycle.Options{
		Bus:    client,
		MTypes: dispatch.MTypes(),
		Handler: func(ctx context.Context, msg bus.Message) {
			g.router.Handle(ctx, msg)
		},
		Interval:    cfg.Liveness.Interval,
		Window:      cfg.Liveness.Window,
		OnState:     g.busState,
		OnReconnect: g.metrics.Reconnected,
		OnShutdown:  g.shutdownRouter,
	})

	g.router, err = dispatch.NewRouter(dispatch.Options{
		Engine:      cfg.Engine.Name,
		Bus:         client,
		Executor:    g.executor,
		Sender:      sender,
		State:       g.manager,
		PassbandDir: cfg.Engine.PassbandDir,
		OnReply:     g.served,
	})
	if err != nil {
		g.Close()
		return nil, err
	}

	if cfg.API.Enabled {
		g.api = api.New(apiConfig(cfg.API), g.apiDeps(), log.Get())
	}
	return g, nil
}

func (g *Gateway) openHistory(ctx context.Context) error {
	db, err := storage.OpenSQLite(ctx, g.cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	g.db = db
	g.history = history.New(db)
	g.logger.Info("job history enabled", "path", g.cfg.State.Path)

	if g.cfg.State.Retention > 0 && g.cfg.State.PruneEvery > 0 {
		g.pruner, err = history.NewPruner(g.history, g.cfg.State.Retention, g.cfg.State.PruneEvery)
		if err != nil {
			return err
		}
	}
	return nil
}

func apiConfig(c config.APIConfig) api.Config {
	tokens := make([]auth.Token, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		tokens = append(tokens, auth.Token{Value: t.Token, Scopes: t.Scopes})
	}
	return api.Config{Listen: c.Listen, Token: c.Token, Tokens: tokens}
}

func (g *Gateway) apiDeps() api.Deps {
	deps := api.Deps{
		Jobs:       g.executor.Registry(),
		Bus:        g.manager,
		Events:     g.events,
		Metrics:    g.metrics.Handler(),
		Operations: dispatch.Catalog(),
	}
	// Leave the interface nil rather than holding a nil *Store.
	if g.history != nil {
		deps.History = g.history
	}
	return deps
}

// Run connects to the hub and serves until ctx is cancelled or the hub
// stays unreachable past the liveness window. An orderly stop returns nil.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("sherpa-gw starting",
		"transport", g.cfg.Bus.Transport,
		"engine", g.cfg.Engine.Name,
		"mtypes", len(dispatch.MTypes()))

	g.manager.Start(ctx)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.manager.Run(gctx) })
	if g.pruner != nil {
		grp.Go(func() error { return g.pruner.Run(gctx) })
	}
	if g.api != nil {
		grp.Go(func() error { return g.api.Start(gctx) })
	}
	err := grp.Wait()

	// The fatal path skips the manager's orderly shutdown hook.
	g.shutdownRouter()
	if errors.Is(err, lifecycle.ErrLivenessTimeout) {
		g.logger.Error("giving up on hub", "window", g.cfg.Liveness.Window)
	}
	return err
}

func (g *Gateway) shutdownRouter() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.router.Shutdown(ctx); err != nil {
		g.logger.Warn("in-flight requests still running at shutdown", "error", err)
	}
}

// Close releases the history database.
func (g *Gateway) Close() error {
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

func (g *Gateway) busState(from, to lifecycle.State) {
	g.metrics.BusState(from, to)
	g.events.Publish(events.TypeBusState, map[string]string{"from": from.String(), "to": to.String()})
	g.logger.Info("bus state changed", "from", from.String(), "to", to.String())
}

func (g *Gateway) served(op dispatch.Operation, r dispatch.Result, elapsed time.Duration) {
	g.metrics.Request(op.String(), r.String(), elapsed)
	g.events.Publish(events.TypeRequestServed, map[string]any{
		"operation":   op.String(),
		"mtype":       op.MType(),
		"result":      r.String(),
		"duration_ms": elapsed.Milliseconds(),
	})
}

func (g *Gateway) publishJob(j *jobs.Job, out jobs.Outcome) {
	data := map[string]any{
		"id":          j.ID,
		"request_id":  j.RequestID,
		"class":       string(j.Class),
		"operation":   string(j.Operation),
		"outcome":     out.Kind.String(),
		"duration_ms": out.Duration.Milliseconds(),
	}
	if out.Kind != jobs.Completed && out.Message != "" {
		data["message"] = out.Message
	}
	g.events.Publish(events.TypeJobFinished, data)
}

// Hub is the in-process hub of the memory transport, or nil.
func (g *Gateway) Hub() *memory.Hub { return g.hub }

func (g *Gateway) Lifecycle() *lifecycle.Manager { return g.manager }

func (g *Gateway) Registry() *jobs.Registry { return g.executor.Registry() }

// History is nil when state.path is empty.
func (g *Gateway) History() *history.Store { return g.history }

func (g *Gateway) Metrics() *metrics.Collector { return g.metrics }

func (g *Gateway) Events() *events.Hub { return g.events }

// Handler is the ops API handler, or nil when the API is disabled.
func (g *Gateway) Handler() http.Handler {
	if g.api == nil {
		return nil
	}
	return g.api.Handler()
}
