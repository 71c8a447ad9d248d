package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetadataMetrics holds metrics related to metadata store operations.
type MetadataMetrics struct {
	// LatencyHistogram tracks metadata operation latencies.
	// Labels: operation, status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks metadata operations by operation type and status.
	RequestsTotal *prometheus.CounterVec
}

// DefaultMetadataLatencyBuckets are latency buckets for metadata operations,
// which are typically sub-ms to tens of ms.
var DefaultMetadataLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
}

// NewMetadataMetrics creates metadata metrics registered with the default
// registry.
func NewMetadataMetrics() *MetadataMetrics {
	return newMetadataMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewMetadataMetricsWithRegistry creates metadata metrics registered with reg.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer) *MetadataMetrics {
	return newMetadataMetrics(promauto.With(reg))
}

func newMetadataMetrics(f promauto.Factory) *MetadataMetrics {
	return &MetadataMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "metadata",
				Name:      "operation_latency_seconds",
				Help:      "Metadata store operation latency in seconds, by operation and status.",
				Buckets:   DefaultMetadataLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "metadata",
				Name:      "operations_total",
				Help:      "Metadata store operations, by operation and status.",
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordOperation records one metadata call. It satisfies
// metadata.MetricsRecorder.
func (m *MetadataMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	if m == nil {
		return
	}
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
}
