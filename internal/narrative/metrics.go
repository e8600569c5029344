package narrative

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the narrative cache.
type Metrics struct {
	Lookups   *prometheus.CounterVec
	Refreshes *prometheus.CounterVec
}

// NewMetrics returns the process-wide narrative metrics.
//
// Metrics:
//   - recalld_narrative_lookups_total{result} - l1_hit, hit, stale, miss or error
//   - recalld_narrative_refreshes_total{status} - scheduled, deduplicated, rejected, completed or failed
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Lookups: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recalld_narrative_lookups_total",
					Help: "Narrative cache lookups by result",
				},
				[]string{"result"},
			),
			Refreshes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recalld_narrative_refreshes_total",
					Help: "Narrative refreshes by status",
				},
				[]string{"status"},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) lookup(result string) {
	m.Lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) refresh(status string) {
	m.Refreshes.WithLabelValues(status).Inc()
}
