package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics
var (
	// FilesTracked is the number of inbox files currently under stability observation.
	FilesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reel",
			Subsystem: "watcher",
			Name:      "files_tracked",
			Help:      "Number of inbox files being observed for size stability",
		},
	)

	// ScanErrors counts failed watcher poll ticks.
	ScanErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "watcher",
			Name:      "scan_errors_total",
			Help:      "Total number of failed inbox scans",
		},
	)

	// FilesClaimed counts successful claims into the work directory by origin.
	FilesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Name:      "files_claimed_total",
			Help:      "Total number of files claimed into the work directory",
		},
		[]string{"origin"},
	)

	// ClaimFailures counts failed claims by origin.
	ClaimFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Name:      "claim_failures_total",
			Help:      "Total number of failed claims",
		},
		[]string{"origin"},
	)

	// QueueDepth tracks jobs waiting for the worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reel",
			Name:      "queue_depth",
			Help:      "Number of jobs waiting in the queue",
		},
	)
)

// Worker metrics
var (
	// JobsProcessed counts the total number of jobs processed by status.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed",
		},
		[]string{"status"},
	)

	// ActiveJobs tracks the number of currently processing jobs.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reel",
			Name:      "active_jobs",
			Help:      "Number of currently processing jobs",
		},
	)

	// EncodeDuration tracks the time taken for FFmpeg encoding.
	EncodeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reel",
			Name:      "encode_duration_seconds",
			Help:      "Time taken for FFmpeg encoding",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// RouteFailures counts terminal moves that could not be completed.
	RouteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Name:      "route_failures_total",
			Help:      "Total number of failed moves into archive or failed",
		},
		[]string{"destination"},
	)

	// PublishDuration tracks the time taken to upload artifacts to S3.
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reel",
			Name:      "publish_duration_seconds",
			Help:      "Time taken to upload artifacts to S3",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30},
		},
	)
)

// Chat metrics
var (
	// ChatRequests counts handled chat messages by kind.
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total number of handled chat messages",
		},
		[]string{"kind"},
	)

	// ChatDeliveries counts result deliveries by outcome.
	ChatDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "chat",
			Name:      "deliveries_total",
			Help:      "Total number of results reported back to chat requesters",
		},
		[]string{"outcome"},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reel",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// UploadsAccepted counts images accepted through the upload endpoint.
	UploadsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reel",
			Subsystem: "api",
			Name:      "uploads_accepted_total",
			Help:      "Total number of uploads accepted",
		},
	)
)

// RecordSuccess records a successful job.
func RecordSuccess() {
	JobsProcessed.WithLabelValues("success").Inc()
}

// RecordFailure records a failed job.
func RecordFailure() {
	JobsProcessed.WithLabelValues("failed").Inc()
}
