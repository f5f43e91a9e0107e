// Package api serves the gateway's ops HTTP API: health, metrics, live and
// historical jobs, cancellation, and an SSE activity stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/sherpa-gw/internal/auth"
	"github.com/mattjoyce/sherpa-gw/internal/dispatch"
	"github.com/mattjoyce/sherpa-gw/internal/events"
	"github.com/mattjoyce/sherpa-gw/internal/history"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
	"github.com/mattjoyce/sherpa-gw/internal/lifecycle"
)

// JobRegistry is the live job table. *jobs.Registry satisfies it.
type JobRegistry interface {
	Snapshot() []jobs.JobInfo
	CancelAll(c jobs.Class) []*jobs.Job
}

// HistoryReader reads finished jobs. *history.Store satisfies it.
type HistoryReader interface {
	List(ctx context.Context, f history.Filter) ([]history.Entry, error)
	Get(ctx context.Context, id string) (history.Entry, error)
}

// BusStatus reports the hub connection. *lifecycle.Manager satisfies it.
type BusStatus interface {
	State() lifecycle.State
	LastSeen() time.Time
	Reconnects() int64
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token is the admin bearer token.
	Token  string
	Tokens []auth.Token
}

// Deps are the server's collaborators. Only Jobs is required.
type Deps struct {
	Jobs       JobRegistry
	History    HistoryReader
	Bus        BusStatus
	Events     *events.Hub
	Metrics    http.Handler
	Operations []dispatch.Info
}

type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	startedAt time.Time
	server    *http.Server
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/operations", s.handleOperations)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs", s.handleListJobs)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs/history", s.handleHistory)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/job/{jobID}", s.handleGetJob)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/jobs/{class}/cancel", s.handleCancel)
		r.With(s.requireScopes(auth.ScopeEvents)).Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := auth.BearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		p, ok := auth.Authenticate(tok, s.config.Token, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := auth.PrincipalFromContext(r.Context())
			if !p.Allows(scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
