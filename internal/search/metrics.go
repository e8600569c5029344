package search

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the aggregator.
type Metrics struct {
	QueriesTotal    *prometheus.CounterVec
	DuplicatesTotal prometheus.Counter
	Duration        prometheus.Histogram
}

// NewMetrics returns the process-wide search metrics, registering them on
// first use.
//
// Metrics:
//   - recalld_search_queries_total{status} - queries by success, error or timeout
//   - recalld_search_duplicates_total - records dropped as duplicate ids
//   - recalld_search_duration_seconds - aggregate fan-out latency
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			QueriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recalld_search_queries_total",
					Help: "Total number of memory search queries by outcome",
				},
				[]string{"status"},
			),
			DuplicatesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "recalld_search_duplicates_total",
					Help: "Total number of duplicate records dropped during merge",
				},
			),
			Duration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "recalld_search_duration_seconds",
					Help:    "Duration of aggregated search fan-outs in seconds",
					Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
				},
			),
		}
	})
	return globalMetrics
}

// RecordQuery counts one query outcome.
func (m *Metrics) RecordQuery(status string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(status).Inc()
}

// RecordDuplicates counts dropped duplicates.
func (m *Metrics) RecordDuplicates(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DuplicatesTotal.Add(float64(n))
}

// ObserveLatency records one fan-out duration.
func (m *Metrics) ObserveLatency(seconds float64) {
	if m == nil {
		return
	}
	m.Duration.Observe(seconds)
}
