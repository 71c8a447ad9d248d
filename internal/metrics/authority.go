package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuthorityMetrics holds metrics for policy fetches and change watches.
type AuthorityMetrics struct {
	// ResolvedTotal counts completed fetches.
	// Labels: source (metadata, kafka), result (found, absent, rejected)
	ResolvedTotal *prometheus.CounterVec

	// FetchDuration tracks the time from request to cache insert.
	// Labels: source
	FetchDuration *prometheus.HistogramVec

	// WatchReconnectsTotal counts reconnects of the change watcher.
	WatchReconnectsTotal prometheus.Counter

	// InvalidationsTotal counts cache entries refreshed or dropped by the
	// change watcher.
	InvalidationsTotal prometheus.Counter
}

// NewAuthorityMetrics creates and registers authority metrics with the
// default registry.
func NewAuthorityMetrics() *AuthorityMetrics {
	return newAuthorityMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewAuthorityMetricsWithRegistry creates authority metrics registered with reg.
func NewAuthorityMetricsWithRegistry(reg prometheus.Registerer) *AuthorityMetrics {
	return newAuthorityMetrics(promauto.With(reg))
}

func newAuthorityMetrics(f promauto.Factory) *AuthorityMetrics {
	return &AuthorityMetrics{
		ResolvedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "authority",
				Name:      "resolved_total",
				Help:      "Policy fetches completed by source and result.",
			},
			[]string{"source", "result"},
		),
		FetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "authority",
				Name:      "fetch_seconds",
				Help:      "Time from fetch request to cache insert.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		WatchReconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "authority",
				Name:      "watch_reconnects_total",
				Help:      "Reconnects of the policy change watcher.",
			},
		),
		InvalidationsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "authority",
				Name:      "invalidations_total",
				Help:      "Cached policies refreshed or dropped after a change.",
			},
		),
	}
}

func (m *AuthorityMetrics) RecordResolved(source, result string, seconds float64) {
	if m == nil {
		return
	}
	m.ResolvedTotal.WithLabelValues(source, result).Inc()
	m.FetchDuration.WithLabelValues(source).Observe(seconds)
}

func (m *AuthorityMetrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.WatchReconnectsTotal.Inc()
}

func (m *AuthorityMetrics) RecordInvalidation() {
	if m == nil {
		return
	}
	m.InvalidationsTotal.Inc()
}
