// Package api exposes runs over HTTP: trigger, latest status and a live
// event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/scriptbatch/internal/events"
	"github.com/mattjoyce/scriptbatch/internal/runner"
	"github.com/mattjoyce/scriptbatch/internal/state"
	"github.com/mattjoyce/scriptbatch/internal/webhook"
)

// RunExecutor runs the configured task under a given run id.
type RunExecutor interface {
	RunAs(ctx context.Context, runID string) (*runner.Result, error)
}

// RunHistory looks up recorded runs.
type RunHistory interface {
	LatestRun(ctx context.Context, task string) (*state.Run, error)
}

// Config holds API server configuration
type Config struct {
	Listen      string
	APIKey      string
	Task        string
	CORSOrigins []string
	// Webhook, when set, mounts an HMAC-verified trigger outside bearer auth.
	Webhook *webhook.Config
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runs      RunExecutor
	history   RunHistory
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	newID     func() string

	// baseCtx scopes background runs; it is cancelled when Start returns.
	baseCtx context.Context
	mu      sync.Mutex
	current string
	wg      sync.WaitGroup
}

// New creates a new API server instance
func New(config Config, runs RunExecutor, history RunHistory, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		runs:      runs,
		history:   history,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
		newID:     newRunID,
		baseCtx:   context.Background(),
	}
}

// Start starts the HTTP server (blocking). Background runs are cancelled and
// awaited before it returns.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancelRuns := context.WithCancel(ctx)
	s.baseCtx = runCtx
	defer func() {
		cancelRuns()
		s.wg.Wait()
	}()

	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		}).Handler)
	}

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)
	if s.config.Webhook != nil {
		hook := webhook.NewHandler(*s.config.Webhook, s.triggerWebhook, s.logger.With("component", "webhook"))
		r.Method(http.MethodPost, hook.Path(), hook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/latest", s.handleLatestRun)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
