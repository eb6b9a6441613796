// Package metrics exposes backend health, migrations and backend switches
// as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benaskins/seedvault/internal/health"
	"github.com/benaskins/seedvault/internal/migrate"
	"github.com/benaskins/seedvault/internal/selector"
)

const namespace = "seedvault"

var statuses = []health.Status{
	health.StatusUnknown,
	health.StatusHealthy,
	health.StatusDegraded,
	health.StatusUnhealthy,
}

// Metrics holds the collectors, registered on their own registry so several
// instances can coexist.
type Metrics struct {
	registry *prometheus.Registry

	backendStatus      *prometheus.GaugeVec
	backendScore       *prometheus.GaugeVec
	backendSuccessRate *prometheus.GaugeVec
	backendResponse    *prometheus.GaugeVec
	backendOperations  *prometheus.GaugeVec
	backendErrors      *prometheus.GaugeVec

	migrations        *prometheus.CounterVec
	migratedItems     prometheus.Counter
	failedItems       prometheus.Counter
	migrationDuration prometheus.Histogram

	switches      *prometheus.CounterVec
	activeBackend *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		backendStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_status",
			Help:      "1 for the backend's current health status, 0 otherwise",
		}, []string{"backend", "status"}),
		backendScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_score",
			Help:      "Backend fitness score used for selection",
		}, []string{"backend"}),
		backendSuccessRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_success_rate",
			Help:      "Fraction of successful backend operations",
		}, []string{"backend"}),
		backendResponse: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_response_seconds",
			Help:      "Running average backend response time",
		}, []string{"backend"}),
		backendOperations: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_operations",
			Help:      "Operations recorded in the current statistics window",
		}, []string{"backend"}),
		backendErrors: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_errors",
			Help:      "Failed operations recorded in the current statistics window",
		}, []string{"backend"}),
		migrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Finished migrations by final status",
		}, []string{"strategy", "status"}),
		migratedItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrated_items_total",
			Help:      "Keys copied by finished migrations",
		}),
		failedItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_failed_items_total",
			Help:      "Keys that failed in finished migrations",
		}),
		migrationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Wall time of finished migrations",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		switches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_switches_total",
			Help:      "Active backend changes",
		}, []string{"from", "to"}),
		activeBackend: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_backend",
			Help:      "1 for the backend currently serving requests",
		}, []string{"backend"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHealth is a health.Listener.
func (m *Metrics) ObserveHealth(id string, h health.Health) {
	for _, s := range statuses {
		v := 0.0
		if s == h.Status {
			v = 1
		}
		m.backendStatus.WithLabelValues(id, string(s)).Set(v)
	}
	m.backendScore.WithLabelValues(id).Set(health.Score(h))
	m.backendSuccessRate.WithLabelValues(id).Set(h.Performance.SuccessRate)
	m.backendResponse.WithLabelValues(id).Set(h.Performance.AverageResponseMs / 1000)
	m.backendOperations.WithLabelValues(id).Set(float64(h.Operations()))
	m.backendErrors.WithLabelValues(id).Set(float64(h.ErrorCount))
}

// ObserveMigration records a finished migration; use it as the migrator's
// DoneCallback.
func (m *Metrics) ObserveMigration(p migrate.Progress) {
	m.migrations.WithLabelValues(string(p.Strategy), string(p.Status)).Inc()
	m.migratedItems.Add(float64(p.MigratedItems))
	m.failedItems.Add(float64(p.FailedItems))
	if p.EndTime != nil {
		m.migrationDuration.Observe(p.Duration().Seconds())
	}
}

// ObserveSwitch records an active backend change; use it as the selector's
// SwitchCallback.
func (m *Metrics) ObserveSwitch(d selector.Decision) {
	if !d.Switched {
		return
	}
	if d.From != "" {
		m.switches.WithLabelValues(d.From, d.To).Inc()
		m.activeBackend.WithLabelValues(d.From).Set(0)
	}
	m.activeBackend.WithLabelValues(d.To).Set(1)
}

// Forget drops the per-backend series of a removed backend.
func (m *Metrics) Forget(id string) {
	for _, s := range statuses {
		m.backendStatus.DeleteLabelValues(id, string(s))
	}
	m.backendScore.DeleteLabelValues(id)
	m.backendSuccessRate.DeleteLabelValues(id)
	m.backendResponse.DeleteLabelValues(id)
	m.backendOperations.DeleteLabelValues(id)
	m.backendErrors.DeleteLabelValues(id)
	m.activeBackend.DeleteLabelValues(id)
}
