package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type watcherMetrics struct {
	cursor *prometheus.GaugeVec
	events *prometheus.CounterVec
	errors *prometheus.CounterVec
}

var (
	watcherMetricsOnce sync.Once
	watcherRegistry    *watcherMetrics
)

// Watcher returns the metrics registry tracking the chain event watchers.
func Watcher() *watcherMetrics {
	watcherMetricsOnce.Do(func() {
		watcherRegistry = &watcherMetrics{
			cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "watcher",
				Name:      "cursor_height",
				Help:      "Last block or slot fully processed by the watcher.",
			}, []string{"chain"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "watcher",
				Name:      "events_total",
				Help:      "Count of observed contract events segmented by chain and event name.",
			}, []string{"chain", "event"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "watcher",
				Name:      "poll_errors_total",
				Help:      "Count of failed polls segmented by chain and stage.",
			}, []string{"chain", "stage"}),
		}
		prometheus.MustRegister(watcherRegistry.cursor, watcherRegistry.events, watcherRegistry.errors)
	})
	return watcherRegistry
}

// SetCursor publishes the persisted cursor height.
func (m *watcherMetrics) SetCursor(chain string, height uint64) {
	if m == nil {
		return
	}
	m.cursor.WithLabelValues(label(chain)).Set(float64(height))
}

// RecordEvent increments the observed event counter.
func (m *watcherMetrics) RecordEvent(chain, event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(chain), event).Inc()
}

// RecordError increments the poll error counter for stage (head, fetch, sink, cursor).
func (m *watcherMetrics) RecordError(chain, stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(label(chain), label(stage)).Inc()
}
