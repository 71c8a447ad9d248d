package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SweepMetrics holds metrics for the manifest sweep worker.
type SweepMetrics struct {
	// RunsTotal counts sweep passes.
	// Labels: status (success, failed)
	RunsTotal *prometheus.CounterVec

	// RunDuration tracks the duration of a sweep pass.
	RunDuration prometheus.Histogram

	ManifestsScannedTotal prometheus.Counter
	ManifestsSkippedTotal prometheus.Counter
	FilesDeletedTotal     prometheus.Counter
	EditsWrittenTotal     prometheus.Counter

	// LastSuccess is the Unix time of the last successful pass.
	LastSuccess prometheus.Gauge
}

// NewSweepMetrics creates and registers sweep metrics with the default
// registry.
func NewSweepMetrics() *SweepMetrics {
	return newSweepMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewSweepMetricsWithRegistry creates sweep metrics registered with reg.
func NewSweepMetricsWithRegistry(reg prometheus.Registerer) *SweepMetrics {
	return newSweepMetrics(promauto.With(reg))
}

func newSweepMetrics(f promauto.Factory) *SweepMetrics {
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      name,
			Help:      help,
		})
	}
	return &SweepMetrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Sweep passes by status.",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "sweep",
				Name:      "run_seconds",
				Help:      "Duration of a sweep pass.",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
		),
		ManifestsScannedTotal: counter("manifests_scanned_total", "Manifests evaluated for expired files."),
		ManifestsSkippedTotal: counter("manifests_skipped_total", "Manifests skipped because they were unchanged."),
		FilesDeletedTotal:     counter("files_deleted_total", "Files listed in written delete edits."),
		EditsWrittenTotal:     counter("edits_written_total", "Delete edits written to the object store."),
		LastSuccess: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "sweep",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful sweep pass.",
			},
		),
	}
}

// RecordRun records the outcome and duration of a pass.
func (m *SweepMetrics) RecordRun(err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	} else {
		m.LastSuccess.SetToCurrentTime()
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *SweepMetrics) RecordManifest(skipped bool) {
	if m == nil {
		return
	}
	if skipped {
		m.ManifestsSkippedTotal.Inc()
		return
	}
	m.ManifestsScannedTotal.Inc()
}

func (m *SweepMetrics) RecordEdit(files int) {
	if m == nil {
		return
	}
	m.EditsWrittenTotal.Inc()
	m.FilesDeletedTotal.Add(float64(files))
}
