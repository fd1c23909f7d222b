package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// EscrowMetrics wraps collectors tracking trade orchestration health.
type EscrowMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	submissions *prometheus.CounterVec
	resource    *prometheus.HistogramVec
	approvals   *prometheus.CounterVec
	lookups     *prometheus.CounterVec
	collisions  *prometheus.CounterVec
}

// Escrow returns the lazily-initialised orchestration metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "orchestrator",
				Name:      "operations_total",
				Help:      "Count of trade operations segmented by chain, operation, and outcome.",
			}, []string{"chain", "operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "orchestrator",
				Name:      "operation_duration_seconds",
				Help:      "End to end latency of trade operations including confirmation waits.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"chain", "operation"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "submitter",
				Name:      "transactions_total",
				Help:      "Count of submitted transactions segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			resource: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "submitter",
				Name:      "resource_used",
				Help:      "Gas or compute units consumed by confirmed transactions.",
				Buckets:   prometheus.ExponentialBuckets(10_000, 2, 10),
			}, []string{"chain"}),
			approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "approval",
				Name:      "checks_total",
				Help:      "Count of allowance checks segmented by chain and outcome (sufficient, approved, ineffective, error).",
			}, []string{"chain", "outcome"}),
			lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "resolver",
				Name:      "lookups_total",
				Help:      "Count of event lookups segmented by chain, event, and outcome.",
			}, []string{"chain", "event", "outcome"}),
			collisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "orchestrator",
				Name:      "derivation_collisions_total",
				Help:      "Count of derived address collisions that triggered a fresh correlation id.",
			}, []string{"chain"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.submissions,
			escrowRegistry.resource,
			escrowRegistry.approvals,
			escrowRegistry.lookups,
			escrowRegistry.collisions,
		)
	})
	return escrowRegistry
}

// ObserveOperation records the outcome and latency of an orchestrator operation.
func (m *EscrowMetrics) ObserveOperation(chain, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(label(chain), label(operation), label(outcome)).Inc()
	m.latency.WithLabelValues(label(chain), label(operation)).Observe(d.Seconds())
}

// RecordSubmission counts a submitted transaction. Resource usage is only
// observed for included transactions.
func (m *EscrowMetrics) RecordSubmission(chain, outcome string, used uint64) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(chain), label(outcome)).Inc()
	if used > 0 {
		m.resource.WithLabelValues(label(chain)).Observe(float64(used))
	}
}

// RecordApproval counts an allowance check.
func (m *EscrowMetrics) RecordApproval(chain, outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(label(chain), label(outcome)).Inc()
}

// RecordLookup counts an event lookup.
func (m *EscrowMetrics) RecordLookup(chain, event, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(label(chain), label(event), label(outcome)).Inc()
}

// RecordCollision counts a derived address collision.
func (m *EscrowMetrics) RecordCollision(chain string) {
	if m == nil {
		return
	}
	m.collisions.WithLabelValues(label(chain)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
