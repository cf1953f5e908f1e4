package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics
	WorkersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_workers_running",
			Help: "Number of live workers on this node",
		},
	)

	WorkersSpawned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_workers_spawned_total",
			Help: "Total number of workers spawned on this node",
		},
	)

	WorkerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_worker_outcomes_total",
			Help: "Total number of worker terminations by outcome",
		},
		[]string{"outcome"}, // "exit" or "fault"
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_spawn_duration_seconds",
			Help:    "Time taken to start a child process in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bundle cache metrics
	BundlesCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_bundles_cached",
			Help: "Number of complete bundles in the cache",
		},
	)

	BundleUploads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_bundle_uploads_total",
			Help: "Total number of accepted bundle uploads",
		},
	)

	BundleBytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_bundle_bytes_received_total",
			Help: "Total bundle payload bytes written to the cache",
		},
	)

	// Stream metrics
	EventStreamsAttached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_event_streams_attached",
			Help: "Number of currently attached worker event streams",
		},
	)

	EventRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_event_records_total",
			Help: "Total event records written to readers by event name",
		},
		[]string{"name"},
	)

	ControlRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_control_records_total",
			Help: "Total control records received from clients by name",
		},
		[]string{"name"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersRunning)
	prometheus.MustRegister(WorkersSpawned)
	prometheus.MustRegister(WorkerOutcomes)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(BundlesCached)
	prometheus.MustRegister(BundleUploads)
	prometheus.MustRegister(BundleBytesReceived)
	prometheus.MustRegister(EventStreamsAttached)
	prometheus.MustRegister(EventRecords)
	prometheus.MustRegister(ControlRecords)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
