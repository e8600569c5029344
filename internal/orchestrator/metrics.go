package orchestrator

import (
	"sync"

	"github.com/fyrsmithlabs/recalld/internal/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for context assembly.
type Metrics struct {
	Requests  *prometheus.CounterVec
	Fallbacks *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewMetrics returns the process-wide orchestrator metrics.
//
// Metrics:
//   - recalld_context_requests_total{strategy} - turns by served strategy
//   - recalld_context_fallbacks_total{from} - tier failures by failing tier
//   - recalld_context_duration_seconds{strategy} - end-to-end latency
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recalld_context_requests_total",
					Help: "Context requests by the strategy that served them",
				},
				[]string{"strategy"},
			),
			Fallbacks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recalld_context_fallbacks_total",
					Help: "Tier failures that caused a fallback, by failing tier",
				},
				[]string{"from"},
			),
			Duration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "recalld_context_duration_seconds",
					Help:    "Context assembly latency in seconds",
					Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
				},
				[]string{"strategy"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) served(s strategy.Strategy, seconds float64) {
	label := string(s)
	if label == "" {
		label = "none"
	}
	m.Requests.WithLabelValues(label).Inc()
	m.Duration.WithLabelValues(label).Observe(seconds)
}

func (m *Metrics) fallback(from strategy.Strategy) {
	m.Fallbacks.WithLabelValues(string(from)).Inc()
}
