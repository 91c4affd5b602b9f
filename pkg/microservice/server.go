// Package microservice provides the HTTP surface shared by bridge processes:
// health and readiness checks, Prometheus metrics and connection status.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/illmade-knight/go-thingbridge/pkg/bridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BaseConfig holds common configuration fields for all services.
type BaseConfig struct {
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	ServiceName     string `yaml:"service_name"`
}

// Service defines the common interface for all microservices.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Router() chi.Router
	GetHTTPPort() string
}

// StatusProvider reports the status of one connection. *bridge.Client implements it.
type StatusProvider interface {
	ID() string
	Status() bridge.Status
}

// ReadinessCheck returns an error while a dependency is not ready.
type ReadinessCheck func(ctx context.Context) error

// BaseServer provides common functionalities for microservice servers.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	router     chi.Router
	actualAddr string
	mu         sync.RWMutex

	checks      map[string]ReadinessCheck
	connections map[string]StatusProvider
}

// NewBaseServer creates a server with /healthz and /readyz mounted.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	s := &BaseServer{
		Logger:      logger.With().Str("component", "BaseServer").Logger(),
		HTTPPort:    httpPort,
		checks:      make(map[string]ReadinessCheck),
		connections: make(map[string]StatusProvider),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Get("/healthz", HealthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Get("/connections", s.connectionsHandler)
	r.Get("/connections/{id}", s.connectionHandler)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              httpPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// HandleMetrics exposes the gatherer on /metrics.
func (s *BaseServer) HandleMetrics(gatherer prometheus.Gatherer) {
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// AddReadinessCheck registers a check that /readyz runs on every request.
func (s *BaseServer) AddReadinessCheck(name string, check ReadinessCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// AddConnection makes the status of a connection visible on /connections.
// A connection that is not running also fails /readyz.
func (s *BaseServer) AddConnection(p StatusProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[p.ID()] = p
}

// Start initiates the HTTP server in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the port the server is listening on, e.g. ":8080".
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Router returns the underlying chi router.
func (s *BaseServer) Router() chi.Router {
	return s.router
}

// HealthzHandler responds to liveness checks.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *BaseServer) readyzHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checks := make(map[string]ReadinessCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	var stopped []string
	for id, p := range s.connections {
		if !p.Status().Running {
			stopped = append(stopped, id)
		}
	}
	s.mu.RUnlock()

	failures := make(map[string]string)
	for name, check := range checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	for _, id := range stopped {
		failures["connection:"+id] = "not running"
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *BaseServer) connectionsHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	statuses := make([]bridge.Status, 0, len(s.connections))
	for _, p := range s.connections {
		statuses = append(statuses, p.Status())
	}
	s.mu.RUnlock()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ConnectionID < statuses[j].ConnectionID })
	writeJSON(w, http.StatusOK, statuses)
}

func (s *BaseServer) connectionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	p, ok := s.connections[id]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("connection %q not found", id)})
		return
	}
	writeJSON(w, http.StatusOK, p.Status())
}

func (s *BaseServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Msg("Request completed.")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
