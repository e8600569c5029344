package jobs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for background jobs.
type Metrics struct {
	JobsTotal  *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	QueueDepth prometheus.Gauge
}

// NewMetrics returns the process-wide job metrics.
//
// Metrics:
//   - recalld_jobs_total{kind,status} - completed, failed, dropped or rejected
//   - recalld_job_duration_seconds{kind}
//   - recalld_jobs_queued - jobs waiting for a worker
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			JobsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recalld_jobs_total",
					Help: "Total number of background jobs by kind and outcome",
				},
				[]string{"kind", "status"},
			),
			Duration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "recalld_job_duration_seconds",
					Help:    "Duration of background jobs in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			QueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "recalld_jobs_queued",
					Help: "Number of jobs waiting for a worker",
				},
			),
		}
	})
	return globalMetrics
}

// RecordJob counts a job outcome.
func (m *Metrics) RecordJob(kind Kind, status string) {
	m.JobsTotal.WithLabelValues(string(kind), status).Inc()
}

// ObserveDuration records how long a job ran.
func (m *Metrics) ObserveDuration(kind Kind, seconds float64) {
	m.Duration.WithLabelValues(string(kind)).Observe(seconds)
}
