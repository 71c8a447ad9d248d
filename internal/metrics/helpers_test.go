package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) []*io_prometheus_client.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	return mfs
}

// findMetricFamily finds a metric family by name.
func findMetricFamily(mfs []*io_prometheus_client.MetricFamily, name string) *io_prometheus_client.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// getCounterValue returns the counter value with exactly the given labels.
func getCounterValue(mf *io_prometheus_client.MetricFamily, labels map[string]string) float64 {
	if mf == nil {
		return 0
	}
	for _, metric := range mf.Metric {
		if matchLabels(metric.Label, labels) && metric.Counter != nil {
			return metric.Counter.GetValue()
		}
	}
	return 0
}

func getGaugeValue(mf *io_prometheus_client.MetricFamily) float64 {
	if mf == nil || len(mf.Metric) == 0 || mf.Metric[0].Gauge == nil {
		return 0
	}
	return mf.Metric[0].Gauge.GetValue()
}

func getHistogramCount(mf *io_prometheus_client.MetricFamily, labels map[string]string) uint64 {
	if mf == nil {
		return 0
	}
	for _, metric := range mf.Metric {
		if matchLabels(metric.Label, labels) && metric.Histogram != nil {
			return metric.Histogram.GetSampleCount()
		}
	}
	return 0
}

func matchLabels(metricLabels []*io_prometheus_client.LabelPair, expected map[string]string) bool {
	if len(metricLabels) != len(expected) {
		return false
	}
	for _, lp := range metricLabels {
		if expected[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}
