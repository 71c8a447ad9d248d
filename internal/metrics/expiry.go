package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ExpiryMetrics holds metrics for the engine callbacks.
type ExpiryMetrics struct {
	// StampedTotal counts records stamped with a write time on insert.
	StampedTotal prometheus.Counter

	// RetiredTotal counts records found expired on read or compaction.
	// Labels: type (write-time, explicit-expiry)
	RetiredTotal *prometheus.CounterVec

	// FilesExpiredTotal counts files selected for whole file deletion.
	// Labels: level
	FilesExpiredTotal *prometheus.CounterVec

	// FinalizeDuration tracks the time spent scanning a level.
	FinalizeDuration prometheus.Histogram

	// UnresolvedTotal counts decisions that fell back because the
	// collection policy could not be resolved.
	// Labels: callback (insert, retire, finalize)
	UnresolvedTotal *prometheus.CounterVec
}

// NewExpiryMetrics creates and registers expiry metrics with the default
// registry.
func NewExpiryMetrics() *ExpiryMetrics {
	return newExpiryMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewExpiryMetricsWithRegistry creates expiry metrics registered with reg.
func NewExpiryMetricsWithRegistry(reg prometheus.Registerer) *ExpiryMetrics {
	return newExpiryMetrics(promauto.With(reg))
}

func newExpiryMetrics(f promauto.Factory) *ExpiryMetrics {
	return &ExpiryMetrics{
		StampedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "expiry",
				Name:      "stamped_total",
				Help:      "Records stamped with a write time on insert.",
			},
		),
		RetiredTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "expiry",
				Name:      "retired_total",
				Help:      "Records found expired by type.",
			},
			[]string{"type"},
		),
		FilesExpiredTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "expiry",
				Name:      "files_expired_total",
				Help:      "Files selected for whole file deletion by level.",
			},
			[]string{"level"},
		),
		FinalizeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "expiry",
				Name:      "finalize_seconds",
				Help:      "Time spent scanning a level for expired files.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		UnresolvedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "expiry",
				Name:      "unresolved_total",
				Help:      "Decisions made without a resolved collection policy.",
			},
			[]string{"callback"},
		),
	}
}

func (m *ExpiryMetrics) RecordStamped() {
	if m == nil {
		return
	}
	m.StampedTotal.Inc()
}

func (m *ExpiryMetrics) RecordRetired(typ string) {
	if m == nil {
		return
	}
	m.RetiredTotal.WithLabelValues(typ).Inc()
}

func (m *ExpiryMetrics) RecordFilesExpired(level, count int) {
	if m == nil || count == 0 {
		return
	}
	m.FilesExpiredTotal.WithLabelValues(strconv.Itoa(level)).Add(float64(count))
}

func (m *ExpiryMetrics) ObserveFinalize(seconds float64) {
	if m == nil {
		return
	}
	m.FinalizeDuration.Observe(seconds)
}

func (m *ExpiryMetrics) RecordUnresolved(callback string) {
	if m == nil {
		return
	}
	m.UnresolvedTotal.WithLabelValues(callback).Inc()
}
