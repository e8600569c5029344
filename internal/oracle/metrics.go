package oracle

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce    sync.Once
	defaultMetrics *Metrics
)

// Metrics tracks oracle calls.
type Metrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

// DefaultMetrics returns the process-wide oracle metrics.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = &Metrics{
			Requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recalld_oracle_requests_total",
					Help: "Oracle calls by provider and status",
				},
				[]string{"provider", "status"},
			),
			Latency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "recalld_oracle_latency_seconds",
					Help:    "Oracle call latency including retries",
					Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
				},
				[]string{"provider"},
			),
		}
	})
	return defaultMetrics
}

func (m *Metrics) record(provider string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Requests.WithLabelValues(provider, status).Inc()
	m.Latency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}
