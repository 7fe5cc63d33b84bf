package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for cordon.
type Metrics struct {
	registry                 *prometheus.Registry
	deployDurationSeconds    *prometheus.HistogramVec
	deploysTotal             *prometheus.CounterVec
	healthcheckAttempts      *prometheus.CounterVec
	zombieStopsTotal         prometheus.Counter
	stopRecords              *prometheus.GaugeVec
	lockContentionTotal      prometheus.Counter
	tunnelsOpen              prometheus.Gauge
	lastReconcileTimestamp   prometheus.Gauge
	reconcileDurationSeconds prometheus.Histogram
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		deployDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cordon_deploy_duration_seconds",
			Help:    "Duration of a role deploy on a single host in seconds.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"role"}),
		deploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordon_deploys_total",
			Help: "Total role deploys on a single host by role and outcome.",
		}, []string{"role", "outcome"}),
		healthcheckAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordon_healthcheck_attempts_total",
			Help: "Total healthcheck poll attempts by result.",
		}, []string{"result"}),
		zombieStopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cordon_zombie_stops_total",
			Help: "Total containers force-stopped after their async stop deadline passed.",
		}),
		stopRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cordon_stop_records",
			Help: "Outstanding async stop records by host.",
		}, []string{"host"}),
		lockContentionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cordon_lock_contention_total",
			Help: "Total deploy lock acquisitions refused because the lock was held.",
		}),
		tunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cordon_tunnels_open",
			Help: "SSH port forwards currently open.",
		}),
		lastReconcileTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cordon_last_reconcile_timestamp",
			Help: "Unix timestamp of the last successful reconciliation pass.",
		}),
		reconcileDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cordon_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.deployDurationSeconds,
		m.deploysTotal,
		m.healthcheckAttempts,
		m.zombieStopsTotal,
		m.stopRecords,
		m.lockContentionTotal,
		m.tunnelsOpen,
		m.lastReconcileTimestamp,
		m.reconcileDurationSeconds,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDeploy records a finished role deploy on one host.
func (m *Metrics) ObserveDeploy(role string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.deployDurationSeconds.WithLabelValues(role).Observe(duration.Seconds())
	m.deploysTotal.WithLabelValues(role, outcome).Inc()
}

// IncHealthcheckAttempts counts a healthcheck poll attempt.
func (m *Metrics) IncHealthcheckAttempts(result string) {
	if m == nil {
		return
	}
	m.healthcheckAttempts.WithLabelValues(result).Inc()
}

// IncZombieStops counts a container stopped after its async stop deadline.
func (m *Metrics) IncZombieStops() {
	if m == nil {
		return
	}
	m.zombieStopsTotal.Inc()
}

// SetStopRecords sets the outstanding stop records for host.
func (m *Metrics) SetStopRecords(host string, count int) {
	if m == nil {
		return
	}
	m.stopRecords.WithLabelValues(host).Set(float64(count))
}

// IncLockContention counts a refused lock acquisition.
func (m *Metrics) IncLockContention() {
	if m == nil {
		return
	}
	m.lockContentionTotal.Inc()
}

// AddTunnels adjusts the open tunnel gauge.
func (m *Metrics) AddTunnels(delta int) {
	if m == nil {
		return
	}
	m.tunnelsOpen.Add(float64(delta))
}

// ObserveReconcile records a finished reconciliation pass.
func (m *Metrics) ObserveReconcile(duration time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.reconcileDurationSeconds.Observe(duration.Seconds())
	m.lastReconcileTimestamp.Set(float64(finished.Unix()))
}
