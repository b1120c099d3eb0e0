package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "endpoint_responses_total",
		Help: "The total number of endpoint responses",
	}, []string{"endpoint", "status_code"})

	EndpointLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "endpoint_latency_ms",
		Help:    "Endpoint handling time in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 16),
	}, []string{"endpoint", "method"})

	// Scheduler Metrics
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpucmd_jobs_submitted_total",
		Help: "Total number of jobs accepted by the scheduler",
	}, []string{"queue", "type"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpucmd_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal state",
	}, []string{"queue", "result"})

	JobRuntime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gpucmd_job_runtime_ms",
		Help:    "Time from dispatch to completion in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 18), // 0.1ms to ~13s
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpucmd_queue_depth",
		Help: "Number of jobs waiting on a hardware queue",
	}, []string{"queue"})

	// Ring Metrics
	RingFreeDwords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpucmd_ring_free_dwords",
		Help: "Free space in a command ring at the last submission",
	}, []string{"queue"})

	// Recovery Metrics
	Resets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpucmd_resets_total",
		Help: "Total number of device reset sequences started",
	})

	ResetFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpucmd_reset_failures_total",
		Help: "Total number of reset sequences that left the device degraded",
	})

	ResetDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gpucmd_reset_duration_ms",
		Help:    "Duration of the reset sequence in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms to ~16s
	})

	// Health Metrics
	HealthChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpucmd_health_checks_total",
		Help: "Total number of health monitor ticks",
	})

	HeartbeatMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpucmd_heartbeat_misses_total",
		Help: "Total number of scratch register heartbeat mismatches",
	})

	Hangs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpucmd_hangs_total",
		Help: "Total number of detected forward-progress stalls",
	})

	DeviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gpucmd_device_errors_total",
		Help: "Total number of device errors reported in STATUS, by error name",
	}, []string{"code"})

	// Notification Metrics
	Notifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpucmd_notifications_total",
		Help: "Total number of device notifications accepted by the top half",
	})
)
