package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestSweepMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSweepMetricsWithRegistry(reg)

	m.RecordRun(nil, 2*time.Second)
	m.RecordRun(errors.New("list failed"), time.Second)
	m.RecordManifest(false)
	m.RecordManifest(true)
	m.RecordManifest(true)
	m.RecordEdit(4)

	mfs := gather(t, reg)
	runs := findMetricFamily(mfs, "lsmttl_sweep_runs_total")
	assert.Equal(t, 1.0, getCounterValue(runs, map[string]string{"status": "success"}))
	assert.Equal(t, 1.0, getCounterValue(runs, map[string]string{"status": "failed"}))
	assert.Equal(t, uint64(2), getHistogramCount(findMetricFamily(mfs, "lsmttl_sweep_run_seconds"), map[string]string{}))
	assert.Equal(t, 1.0, getCounterValue(findMetricFamily(mfs, "lsmttl_sweep_manifests_scanned_total"), map[string]string{}))
	assert.Equal(t, 2.0, getCounterValue(findMetricFamily(mfs, "lsmttl_sweep_manifests_skipped_total"), map[string]string{}))
	assert.Equal(t, 1.0, getCounterValue(findMetricFamily(mfs, "lsmttl_sweep_edits_written_total"), map[string]string{}))
	assert.Equal(t, 4.0, getCounterValue(findMetricFamily(mfs, "lsmttl_sweep_files_deleted_total"), map[string]string{}))
	assert.Greater(t, getGaugeValue(findMetricFamily(mfs, "lsmttl_sweep_last_success_timestamp_seconds")), 0.0)
}

func TestSweepMetricsNilSafe(t *testing.T) {
	var m *SweepMetrics
	assert.NotPanics(t, func() {
		m.RecordRun(nil, time.Second)
		m.RecordManifest(true)
		m.RecordEdit(1)
	})
}
