// Package httpapi is the admin/observability HTTP surface: listing and
// inspecting agreements, flipping enabled/disabled, a best-effort
// status-stream websocket, and the process's Prometheus and health
// endpoints. Grounded on the teacher's cmd/server + pkg/middleware pattern
// (request-id injection, structured access logging, Prometheus middleware).
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openreplicator/agreement-engine/internal/agreement"
	"github.com/openreplicator/agreement-engine/internal/agreement/lifecycle"
	"github.com/openreplicator/agreement-engine/pkg/logger"
	"github.com/openreplicator/agreement-engine/pkg/metrics"
)

// Pinger is the minimal liveness check a backend collaborator must satisfy
// for /healthz. Neither *postgres.PostgresPool nor *redis.Client has this
// method; cmd/agreementd adapts PostgresPool.Health and a wrapper around
// redis.Client.Ping through PingFunc.
type Pinger interface {
	Ping(ctx context.Context) error
}

// pgPingFunc is the function type behind PingFunc; it keeps this package
// free of an import of the concrete backend types.
type pgPingFunc func(ctx context.Context) error

func (f pgPingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingFunc adapts any ctx-taking health check into a Pinger.
func PingFunc(f func(ctx context.Context) error) Pinger { return pgPingFunc(f) }

// Config configures the admin API server.
type Config struct {
	Addr                    string
	ReadTimeout             time.Duration
	WriteTimeout            time.Duration
	IdleTimeout             time.Duration
	GracefulShutdownTimeout time.Duration
}

// Server is the admin HTTP API.
type Server struct {
	cfg        Config
	registry   *agreement.Registry
	controller *lifecycle.Controller
	metrics    *metrics.MetricsRegistry
	logger     *slog.Logger
	postgres   Pinger
	redis      Pinger

	httpServer *http.Server
	hub        *streamHub
}

// New builds a Server; call Run to start serving.
func New(cfg Config, registry *agreement.Registry, controller *lifecycle.Controller, reg *metrics.MetricsRegistry, log *slog.Logger, postgres, redis Pinger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		controller: controller,
		metrics:    reg,
		logger:     log,
		postgres:   postgres,
		redis:      redis,
		hub:        newStreamHub(),
	}

	router := mux.NewRouter()
	router.Use(s.accessLogMiddleware)
	router.Use(reg.HTTP().Middleware)

	router.HandleFunc("/agreements", s.handleList).Methods(http.MethodGet)
	router.HandleFunc("/agreements/{id:.+}/stream", s.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/agreements/{id:.+}/enable", s.handleEnable).Methods(http.MethodPost)
	router.HandleFunc("/agreements/{id:.+}/disable", s.handleDisable).Methods(http.MethodPost)
	router.HandleFunc("/agreements/{id:.+}/replicate-now", s.handleReplicateNow).Methods(http.MethodPost)
	router.HandleFunc("/agreements/{id:.+}", s.handleGet).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// accessLogMiddleware injects a request ID and logs every request, in the
// style of pkg/logger.LoggingMiddleware.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		ctx := logger.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))

		s.logger.Info("admin api request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"request_id", requestID,
		)
	})
}

// Run starts serving and blocks until ctx is done, then shuts down
// gracefully within GracefulShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Broadcast pushes a status event to every subscriber of an agreement's
// stream. Nothing in this repository calls it, so stream subscribers
// receive no events.
func (s *Server) Broadcast(agreementDN string, event StreamEvent) {
	s.hub.broadcast(agreementDN, event)
}
