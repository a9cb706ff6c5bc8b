// Package server exposes the ops HTTP API: health, Prometheus metrics,
// engine and pipeline state, live mitigations, interface inventory, config
// reload, and optional HTTP packet ingestion.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"nettrace-guardian/internal/blocklist"
	"nettrace-guardian/internal/config"
	"nettrace-guardian/internal/detection"
	"nettrace-guardian/internal/dispatch"
	"nettrace-guardian/internal/ingest"
	"nettrace-guardian/internal/netif"
	"nettrace-guardian/internal/response"
	"nettrace-guardian/internal/schema"
	"nettrace-guardian/internal/tracker"
)

// Engine is the detection engine surface the API reads.
type Engine interface {
	Stats() detection.Stats
	Config() detection.Config
	SourceSnapshot(ip string) (tracker.Snapshot, bool)
}

// Pipeline is the response pipeline surface the API reads.
type Pipeline interface {
	Stats() response.Stats
	Records() []schema.MitigationRecord
	Handlers() []string
}

// Dispatcher reports queue statistics.
type Dispatcher interface {
	Metrics() dispatch.DispatchMetrics
}

// Ingest reports adapter statistics.
type Ingest interface {
	Metrics() ingest.AdapterMetrics
}

// Blocklist lists live blocklist entries.
type Blocklist interface {
	Active(ctx context.Context) ([]blocklist.Entry, error)
}

// Interfaces inventories network interfaces.
type Interfaces interface {
	List(ctx context.Context) ([]netif.Interface, error)
	Host(ctx context.Context) (netif.HostLoad, error)
}

// Deps are the components behind the API. Engine, Pipeline and Dispatcher
// are required; the rest enable their routes when set.
type Deps struct {
	Engine     Engine
	Pipeline   Pipeline
	Dispatcher Dispatcher
	Ingest     Ingest
	Blocklist  Blocklist
	Interfaces Interfaces

	// Metrics serves /metrics.
	Metrics http.Handler
	// Packets serves POST /v1/packets.
	Packets http.HandlerFunc
	// Reload re-reads and applies the configuration file.
	Reload func(ctx context.Context) error
}

// Server is the ops HTTP server.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	limiter *RateLimiter
	logger  *slog.Logger
	started time.Time

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
	wg   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server. Auth and rate limiting follow cfg.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.Engine == nil || deps.Pipeline == nil || deps.Dispatcher == nil {
		return nil, schema.NewConfigError("server.deps", "engine, pipeline and dispatcher are required")
	}

	s := &Server{
		cfg:     cfg.Server,
		deps:    deps,
		logger:  slog.Default(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit, s.logger)
	}

	var h http.Handler = s.Router()
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth)
	}
	h = securityHeaders(h)
	h = loggingMiddleware(h, s.logger)
	h = recoveryMiddleware(h, s.logger)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Router returns the route table without middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/thresholds", s.handleThresholds).Methods(http.MethodGet)
	v1.HandleFunc("/mitigations", s.handleMitigations).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{ip}", s.handleSource).Methods(http.MethodGet)
	if s.deps.Interfaces != nil {
		v1.HandleFunc("/interfaces", s.handleInterfaces).Methods(http.MethodGet)
	}
	if s.deps.Reload != nil {
		v1.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
	}
	if s.deps.Packets != nil {
		v1.HandleFunc("/packets", s.deps.Packets).Methods(http.MethodPost)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server error", "error", err)
		}
	}()

	s.logger.Info("ops server started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownWait)
		defer cancel()
	}
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.logger.Info("ops server stopped")
	return err
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
