package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sasi_cats_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sasi_cats_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Queue metrics
var (
	QueueRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_queue_requests_total",
			Help: "Transcode requests by outcome (hit, merged, created)",
		},
		[]string{"outcome"},
	)

	QueueCancelsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_queue_cancels_total",
			Help: "Cancel requests by outcome (pending, forced, rejected, batch)",
		},
		[]string{"outcome"},
	)

	QueueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sasi_cats_queue_jobs",
			Help: "Jobs currently held by the scheduler",
		},
		[]string{"state"}, // "queued", "running"
	)
)

// Transcode metrics
var (
	TranscodeJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_transcode_jobs_total",
			Help: "Finished transcode jobs by status and failure reason",
		},
		[]string{"status", "reason"},
	)

	TranscodeJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sasi_cats_transcode_job_duration_seconds",
			Help:    "Transcode job duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600, 7200},
		},
		[]string{"workflow"},
	)

	TranscodeSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sasi_cats_transcode_slots",
			Help: "Configured number of worker slots",
		},
	)

	TranscodeSlotsBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sasi_cats_transcode_slots_busy",
			Help: "Worker slots currently running a job",
		},
	)
)

// Cache metrics
var (
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_cache_lookups_total",
			Help: "Cache lookups by resulting state",
		},
		[]string{"state"},
	)

	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sasi_cats_cache_entries",
			Help: "Cache entries by state",
		},
		[]string{"state"}, // "complete", "writing"
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sasi_cats_cache_bytes",
			Help: "Total size of complete artifacts in bytes",
		},
	)

	CacheWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_cache_writes_total",
			Help: "Finished cache writes by outcome (committed, aborted)",
		},
		[]string{"outcome"},
	)

	CacheWipesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sasi_cats_cache_wipes_total",
			Help: "Number of full cache wipes",
		},
	)
)

// Streaming metrics
var (
	StreamsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sasi_cats_streams_active",
			Help: "Client streams currently open",
		},
		[]string{"mode"}, // "file", "tail"
	)

	StreamBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_stream_bytes_total",
			Help: "Bytes sent to clients",
		},
		[]string{"mode"},
	)

	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_streams_total",
			Help: "Finished tail streams by outcome",
		},
		[]string{"outcome"}, // "complete", "failed", "changed", "client_gone", "timeout"
	)
)

// Filesystem retry metrics
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_filesystem_retry_attempts_total",
			Help: "Retries of filesystem operations after ESTALE",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_filesystem_retry_success_total",
			Help: "Filesystem operations that succeeded after retrying",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_filesystem_retry_failures_total",
			Help: "Filesystem operations that failed after exhausting retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_filesystem_stale_errors_total",
			Help: "ESTALE errors seen",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sasi_cats_filesystem_retry_duration_seconds",
			Help:    "Duration of filesystem operations including retries",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"operation", "volume"},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sasi_cats_memory_usage_ratio",
			Help: "Heap in use as a fraction of GOMEMLIMIT",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sasi_cats_memory_paused",
			Help: "1 when job dispatch is paused for memory pressure",
		},
	)
)

// Status mirror metrics
var (
	StatusMirrorWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sasi_cats_status_mirror_writes_total",
			Help: "Job snapshot writes to redis by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "dropped"
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sasi_cats_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version", "workflow"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion, workflow string) {
	AppInfo.WithLabelValues(version, commit, goVersion, workflow).Set(1)
}
