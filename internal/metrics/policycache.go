package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup results recorded by PolicyCacheMetrics.
const (
	LookupHit      = "hit"
	LookupFilled   = "filled"
	LookupMiss     = "miss"
	LookupRefused  = "refused"
	LookupRejected = "rejected"
	LookupTimeout  = "timeout"
	LookupClosed   = "closed"
)

// PolicyCacheMetrics holds metrics for the collection policy cache.
type PolicyCacheMetrics struct {
	// LookupsTotal counts lookups by outcome.
	// Labels: result (hit, filled, miss, refused, rejected, timeout, closed)
	LookupsTotal *prometheus.CounterVec

	// FetchesTotal counts fetch requests handed to the policy authority.
	// Labels: accepted (true, false)
	FetchesTotal *prometheus.CounterVec

	// WaitDuration tracks how long cold lookups block.
	WaitDuration prometheus.Histogram

	InsertsTotal   prometheus.Counter
	EvictionsTotal prometheus.Counter

	// Entries is the number of cached collection policies.
	Entries prometheus.Gauge
}

// NewPolicyCacheMetrics creates and registers policy cache metrics with the
// default registry.
func NewPolicyCacheMetrics() *PolicyCacheMetrics {
	return newPolicyCacheMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewPolicyCacheMetricsWithRegistry creates policy cache metrics registered
// with reg.
func NewPolicyCacheMetricsWithRegistry(reg prometheus.Registerer) *PolicyCacheMetrics {
	return newPolicyCacheMetrics(promauto.With(reg))
}

func newPolicyCacheMetrics(f promauto.Factory) *PolicyCacheMetrics {
	return &PolicyCacheMetrics{
		LookupsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "policy_cache",
				Name:      "lookups_total",
				Help:      "Policy cache lookups by result.",
			},
			[]string{"result"},
		),
		FetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "policy_cache",
				Name:      "fetches_total",
				Help:      "Policy fetch requests issued on cache misses.",
			},
			[]string{"accepted"},
		),
		WaitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "policy_cache",
				Name:      "wait_seconds",
				Help:      "Time cold lookups spent waiting for a fetched policy.",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		InsertsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "policy_cache",
				Name:      "inserts_total",
				Help:      "Policies inserted into the cache.",
			},
		),
		EvictionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "policy_cache",
				Name:      "evictions_total",
				Help:      "Policies evicted by the LRU.",
			},
		),
		Entries: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "policy_cache",
				Name:      "entries",
				Help:      "Number of cached collection policies.",
			},
		),
	}
}

// RecordLookup counts a lookup with the given result.
func (m *PolicyCacheMetrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(result).Inc()
}

// RecordFetch counts a fetch request.
func (m *PolicyCacheMetrics) RecordFetch(accepted bool) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(boolLabel(accepted)).Inc()
}

// ObserveWait records the blocking time of a cold lookup.
func (m *PolicyCacheMetrics) ObserveWait(seconds float64) {
	if m == nil {
		return
	}
	m.WaitDuration.Observe(seconds)
}

// RecordInsert counts an insert and updates the entry gauge.
func (m *PolicyCacheMetrics) RecordInsert(entries int) {
	if m == nil {
		return
	}
	m.InsertsTotal.Inc()
	m.Entries.Set(float64(entries))
}

// RecordEviction counts an LRU eviction.
func (m *PolicyCacheMetrics) RecordEviction() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}

// SetEntries updates the entry gauge.
func (m *PolicyCacheMetrics) SetEntries(entries int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(entries))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
