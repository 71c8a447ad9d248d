// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for:
//   - Policy cache lookups, fetches, waits and evictions
//   - Engine callbacks (stamped records, expired records and files)
//   - Policy authority fetches and change watches
//   - Manifest sweeps
//
// Every metric set has a constructor registering with the default registry
// and a WithRegistry variant for tests. Recording methods are safe on a nil
// receiver, so components can run without metrics.
//
// Usage:
//
//	cacheMetrics := metrics.NewPolicyCacheMetrics()
//	cache, _ := policycache.New(policycache.Config{Metrics: cacheMetrics})
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics

// Namespace prefixes every metric name.
const Namespace = "lsmttl"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
