/*
Package metrics provides Prometheus metrics for the burrow node.

All metrics are package-level collectors registered at init time and updated
at the point of change: the worker registry moves the worker gauges and
outcome counters, the bundle cache keeps the cached-bundle gauge current,
and the stream plumbing counts records in both directions.

The node serves the exposition endpoint on its own mux:

	mux.Handle("GET /metrics", metrics.Handler())

Timer is a small helper for histogram observations:

	timer := metrics.NewTimer()
	proc, err := host.Spawn(ctx, artifact, opts)
	timer.ObserveDuration(metrics.SpawnDuration)
*/
package metrics
