// Package server implements the read-only HTTP status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/kgextract/internal/server/handlers"
	"github.com/3leaps/kgextract/internal/server/middleware"
	"github.com/3leaps/kgextract/pkg/artifact"
)

// Server serves the status API.
type Server struct {
	host    string
	port    int
	version string
	logger  *zap.Logger
	health  *handlers.HealthManager
	router  chi.Router

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithVersion sets the version reported by /health and /version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithTimeouts sets the HTTP read and write timeouts.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// New builds a server reading job state from store.
func New(host string, port int, store artifact.Store, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		version:      "dev",
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	jobs := handlers.NewJobs(store, s.logger)
	s.health = handlers.NewHealthManager(s.version)
	s.health.RegisterChecker("artifacts", jobs)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recovery(s.logger))
	r.NotFound(middleware.NotFound)
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	r.Get("/health", s.health.HealthHandler)
	r.Get("/version", s.versionHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", jobs.ListJobTypes)
		r.Get("/jobs/{jobType}", jobs.Current)
		r.Get("/jobs/{jobType}/runs", jobs.Runs)
		r.Get("/jobs/{jobType}/runs/{runID}", jobs.Run)
		r.Get("/pipelines/{jobType}", jobs.PipelineSummary)
		r.Get("/pipelines/{jobType}/items/{key}", jobs.PipelineItem)
	})

	s.router = r
	return s
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Health returns the health manager so callers can register extra checks.
func (s *Server) Health() *handlers.HealthManager { return s.health }

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, "{\"version\":%q}\n", s.version)
}

// ListenAndServe serves until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         net.JoinHostPort(s.host, strconv.Itoa(s.port)),
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
