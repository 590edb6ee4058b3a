// Package api exposes the dispatch core over HTTP: queue and item
// operations, job and execution operations, the agent protocol, and
// notification rule management.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mkrell/foreman/internal/admission"
	"github.com/mkrell/foreman/internal/exec"
	"github.com/mkrell/foreman/internal/queue"
	"github.com/mkrell/foreman/internal/session"
	"github.com/mkrell/foreman/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	store  store.Store
	queues *queue.Service
	execs  *exec.Service
	agents *session.Service
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, s store.Store, queues *queue.Service, execs *exec.Service, agents *session.Service, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
		queues: queues,
		execs:  execs,
		agents: agents,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Post("/v1/tenants", s.handleCreateTenant)

	s.router.Route("/v1/queues", func(r chi.Router) {
		r.Post("/", s.handleCreateQueue)
		r.Get("/{id}", s.handleGetQueue)
		r.Get("/{id}/items", s.handleListItems)
		r.Get("/{id}/stats", s.handleQueueStats)
		r.Post("/{id}/items", s.handleEnqueueItem)
		r.Post("/{id}/lease", s.handleLeaseItem)
		r.Post("/{id}/pause", s.handlePauseQueue)
		r.Post("/{id}/resume", s.handleResumeQueue)
	})

	s.router.Route("/v1/items", func(r chi.Router) {
		r.Get("/{id}", s.handleGetItem)
		r.Post("/{id}/complete", s.handleCompleteItem)
		r.Post("/{id}/fail", s.handleFailItem)
	})

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/executions", s.handleSubmitExecution)
	})

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Post("/{id}/start", s.handleStartExecution)
		r.Post("/{id}/complete", s.handleCompleteExecution)
		r.Post("/{id}/fail", s.handleFailExecution)
		r.Post("/{id}/cancel", s.handleCancelExecution)
	})

	s.router.Route("/v1/agents", func(r chi.Router) {
		r.Post("/", s.handleRegisterAgent)
		r.Get("/", s.handleListAgents)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Delete("/{id}", s.handleDeregisterAgent)
	})

	s.router.Post("/v1/rules", s.handleCreateRule)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, queue.ErrNotAccepting),
		errors.Is(err, queue.ErrLeaseMismatch),
		errors.Is(err, queue.ErrInvalidTransition),
		errors.Is(err, exec.ErrLeaseMismatch),
		errors.Is(err, exec.ErrInvalidTransition),
		errors.Is(err, exec.ErrJobDisabled),
		errors.Is(err, store.ErrVersionConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, admission.ErrQuotaExceeded),
		errors.Is(err, session.ErrAgentQuota):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrBadStatus):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
