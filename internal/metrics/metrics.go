// Package metrics exposes orchestrator counters and optionally pushes them
// to a Prometheus pushgateway. Push failures are transient-operational:
// bounded retries, then a warning, never a failed pass.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// Metrics holds the orchestrator's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PassesTotal         *prometheus.CounterVec
	DeploysTotal        *prometheus.CounterVec
	RepairsTotal        *prometheus.CounterVec
	DiagnosticFailures  prometheus.Counter
	ServicesSelected    prometheus.Gauge
	VPNClientsProvision prometheus.Gauge
}

// New creates the collector set.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dockhand_passes_total",
			Help: "Orchestration passes by result.",
		}, []string{"result"}),
		DeploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dockhand_deploys_total",
			Help: "Service deployments by result.",
		}, []string{"result"}),
		RepairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dockhand_repairs_total",
			Help: "Auto-repair outcomes.",
		}, []string{"outcome"}),
		DiagnosticFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockhand_diagnostic_failures_total",
			Help: "Failures reported by diagnostics runs.",
		}),
		ServicesSelected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dockhand_services_selected",
			Help: "Services in the current desired state.",
		}),
		VPNClientsProvision: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dockhand_vpn_clients_provisioned",
			Help: "Provisioned VPN clients.",
		}),
	}
	registry.MustRegister(
		m.PassesTotal, m.DeploysTotal, m.RepairsTotal,
		m.DiagnosticFailures, m.ServicesSelected, m.VPNClientsProvision,
	)
	return m
}

// Registry exposes the underlying registry for the status server.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Pusher publishes the registry to a pushgateway with bounded retries.
type Pusher struct {
	url      string
	job      string
	attempts int
	delay    time.Duration
	logger   *zap.Logger
	pushFn   func() error
}

// NewPusher creates a pusher for m. url may be empty (push disabled).
func NewPusher(m *Metrics, url, job string, logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pusher{
		url:      url,
		job:      job,
		attempts: 3,
		delay:    2 * time.Second,
		logger:   logger,
	}
	p.pushFn = func() error {
		return push.New(url, job).Gatherer(m.registry).Push()
	}
	return p
}

// Push publishes the current metric state. Exhausted retries downgrade to a
// warning and a nil return; metrics delivery never fails a pass.
func (p *Pusher) Push() error {
	if p.url == "" {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if lastErr = p.pushFn(); lastErr == nil {
			return nil
		}
		if attempt < p.attempts {
			time.Sleep(time.Duration(attempt) * p.delay)
		}
	}
	p.logger.Warn("metrics push failed after retries",
		zap.String("url", p.url),
		zap.Int("attempts", p.attempts),
		zap.Error(lastErr))
	return nil
}
