// Package metrics holds the Prometheus instruments of the coordinator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Operations        *prometheus.CounterVec   // interlock_operations_total{op,result}
	OperationDuration *prometheus.HistogramVec // interlock_operation_duration_seconds{op}
	LockAttempts      *prometheus.CounterVec   // interlock_lock_attempts_total{outcome}
	Events            *prometheus.CounterVec   // interlock_events_total{action}
	ReapedLocks       prometheus.Counter
	OpenNamespaces    prometheus.Gauge
	BreakerState      *prometheus.GaugeVec // interlock_storage_breaker_state{root}
	WSClients         prometheus.Gauge
}

// New registers a fresh set of instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "interlock_operations_total",
			Help: "Coordinator operations by name and result (ok or error code)",
		}, []string{"op", "result"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "interlock_operation_duration_seconds",
			Help:    "Time spent inside a coordinator operation, including the namespace lock wait",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),

		LockAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "interlock_lock_attempts_total",
			Help: "Lock attempts by outcome (acquired or denied)",
		}, []string{"outcome"}),

		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "interlock_events_total",
			Help: "Audit events recorded by action",
		}, []string{"action"}),

		ReapedLocks: f.NewCounter(prometheus.CounterOpts{
			Name: "interlock_reaped_locks_total",
			Help: "Leases released by stale-agent reclamation or TTL expiry",
		}),

		OpenNamespaces: f.NewGauge(prometheus.GaugeOpts{
			Name: "interlock_open_namespaces",
			Help: "Namespaces currently held open in the cache",
		}),

		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "interlock_storage_breaker_state",
			Help: "SQLite circuit breaker state per namespace root (0 closed, 1 open, 2 half-open)",
		}, []string{"root"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "interlock_ws_clients",
			Help: "Connected live-feed websocket clients",
		}),
	}
}

func (m *Metrics) ObserveOp(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "ok"
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) LockAttempt(acquired bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if acquired {
		outcome = "acquired"
	}
	m.LockAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Event(action string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(action).Inc()
}

func (m *Metrics) Reaped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReapedLocks.Add(float64(n))
}

func (m *Metrics) SetOpenNamespaces(n int) {
	if m == nil {
		return
	}
	m.OpenNamespaces.Set(float64(n))
}

func (m *Metrics) SetBreakerState(root string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(root).Set(float64(state))
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}
