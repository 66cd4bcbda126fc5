package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records operation counts and durations.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smlm_operations_total",
			Help: "Number of processing operations by outcome.",
		}, []string{"operation", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smlm_operation_duration_seconds",
			Help:    "Duration of processing operations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
	}
}

func (m *Metrics) observe(operation string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, string(status)).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
