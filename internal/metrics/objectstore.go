package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObjectStoreMetrics holds metrics related to manifest and edit object traffic.
type ObjectStoreMetrics struct {
	// LatencyHistogram tracks object store operation latencies broken down by operation and status.
	// Labels: operation, status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total object store operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	// BytesTotal tracks total bytes transferred by direction.
	// Labels: direction (read, write)
	BytesTotal *prometheus.CounterVec
}

// Bytes direction label values.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// DefaultObjectStoreLatencyBuckets are latency buckets for object store
// operations, which range from tens of ms to seconds against S3.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
	30.0,  // 30s
}

// NewObjectStoreMetrics creates object store metrics registered with the
// default registry.
func NewObjectStoreMetrics() *ObjectStoreMetrics {
	return newObjectStoreMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewObjectStoreMetricsWithRegistry creates object store metrics registered
// with reg.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	return newObjectStoreMetrics(promauto.With(reg))
}

func newObjectStoreMetrics(f promauto.Factory) *ObjectStoreMetrics {
	return &ObjectStoreMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "operation_latency_seconds",
				Help:      "Object store operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultObjectStoreLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "operations_total",
				Help:      "Total number of object store operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "bytes_total",
				Help:      "Total bytes transferred by direction (read/write).",
			},
			[]string{"direction"},
		),
	}
}

// RecordTransfer records one object store call. Bytes count toward the
// write direction for puts and the read direction for everything else, and
// only when the call succeeded. It satisfies objectstore.MetricsRecorder.
func (m *ObjectStoreMetrics) RecordTransfer(operation string, durationSeconds float64, success bool, bytes int64) {
	if m == nil {
		return
	}
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
	if !success || bytes <= 0 {
		return
	}
	dir := DirectionRead
	if operation == "put" {
		dir = DirectionWrite
	}
	m.BytesTotal.WithLabelValues(dir).Add(float64(bytes))
}
