// Package telemetry exposes Prometheus counters for the resilience layer
// and the lock coordinator.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bundlelock/bundlelock/internal/resilience"
)

// Metrics implements resilience.MetricsRecorder and lock.Metrics over one
// Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	retryAttempts      *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       prometheus.Gauge
	casConflicts       prometheus.Counter
	operations         *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	replays            *prometheus.CounterVec
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bundlelock_retry_attempts_total",
			Help: "Remote operation attempts, by operation class.",
		}, []string{"class"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bundlelock_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"from", "to"}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlelock_breaker_state",
			Help: "Current circuit state: 0 closed, 1 half-open, 2 open.",
		}),
		casConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "bundlelock_cas_conflicts_total",
			Help: "Manifest pushes rejected because another client won the race.",
		}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bundlelock_operations_total",
			Help: "Coordinator operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlelock_queue_depth",
			Help: "Intents waiting in the offline queue, parked ones included.",
		}),
		replays: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bundlelock_queue_replays_total",
			Help: "Replayed offline intents, by outcome.",
		}, []string{"outcome"}),
	}
}

// RetryAttempt records one attempt of the named operation class.
func (m *Metrics) RetryAttempt(class string) {
	m.retryAttempts.WithLabelValues(class).Inc()
}

// BreakerTransition records a circuit state change.
func (m *Metrics) BreakerTransition(from, to resilience.CircuitState) {
	m.breakerTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.breakerState.Set(breakerStateValue(to))
}

// CASConflict records one lost push race.
func (m *Metrics) CASConflict() {
	m.casConflicts.Inc()
}

// Operation records a finished coordinator call and its outcome.
func (m *Metrics) Operation(op, outcome string) {
	m.operations.WithLabelValues(op, outcome).Inc()
}

// QueueDepth records the current offline queue size.
func (m *Metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Replay records the outcome of one replayed intent.
func (m *Metrics) Replay(outcome string) {
	m.replays.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func breakerStateValue(state resilience.CircuitState) float64 {
	switch state {
	case resilience.CircuitOpen:
		return 2
	case resilience.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}
