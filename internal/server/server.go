// Package server provides the read-only status endpoint served by the
// monitor daemon. It is bound to loopback by default and exposes the
// desired state, runtime state, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"dockhand/internal/runtime"
	"dockhand/internal/state"
	"dockhand/internal/version"
)

// StatusProvider supplies the data backing /api/status.
type StatusProvider interface {
	Snapshot() (*state.Snapshot, error)
	RunningContainers() ([]string, error)
}

// ServiceStatus reports one service's desired and observed state.
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Port    int    `json:"portOverride,omitempty"`
}

// Status is the /api/status payload.
type Status struct {
	Version      string          `json:"version"`
	FirewallMode string          `json:"firewallMode"`
	Services     []ServiceStatus `json:"services"`
	GeneratedAt  time.Time       `json:"generatedAt"`
}

// Server wires the status routes onto an http.Server.
type Server struct {
	provider StatusProvider
	registry *prometheus.Registry
	logger   *zap.Logger
	httpSrv  *http.Server
}

// New creates a status server listening on addr.
func New(addr string, provider StatusProvider, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		provider: provider,
		registry: registry,
		logger:   logger,
	}
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/status", s.handleStatus)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.provider.Snapshot()
	if err != nil {
		s.logger.Warn("status snapshot unavailable", zap.Error(err))
		http.Error(w, "state unavailable", http.StatusInternalServerError)
		return
	}
	running, err := s.provider.RunningContainers()
	if err != nil {
		s.logger.Warn("container listing failed", zap.Error(err))
		running = nil
	}
	runningSet := make(map[string]bool, len(running))
	for _, name := range running {
		runningSet[name] = true
	}

	status := Status{
		Version:      version.AppVersion,
		FirewallMode: snap.FirewallMode,
		GeneratedAt:  time.Now().UTC(),
	}
	for _, svc := range snap.SelectedServices {
		status.Services = append(status.Services, ServiceStatus{
			Name:    svc,
			Running: runningSet[svc],
			Port:    snap.PortOverrides[svc],
		})
	}
	sort.Slice(status.Services, func(i, j int) bool {
		return status.Services[i].Name < status.Services[j].Name
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("status encode failed", zap.Error(err))
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("status server stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

var _ StatusProvider = (*snapshotProvider)(nil)

// snapshotProvider combines the state store and runtime into a provider.
type snapshotProvider struct {
	store  *state.Store
	docker *runtime.Docker
}

// NewProvider builds a StatusProvider over the state store and runtime.
func NewProvider(store *state.Store, docker *runtime.Docker) StatusProvider {
	return &snapshotProvider{store: store, docker: docker}
}

func (p *snapshotProvider) Snapshot() (*state.Snapshot, error) {
	snap, _, err := p.store.Load()
	return snap, err
}

func (p *snapshotProvider) RunningContainers() ([]string, error) {
	return p.docker.RunningContainers()
}
