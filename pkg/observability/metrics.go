// Package observability provides Prometheus metrics, HTTP middleware, and
// OpenTelemetry tracing setup for monitoring a plume server.
package observability

import "github.com/prometheus/client_golang/prometheus"

// DispatchBuckets defines histogram buckets for pipeline and request
// latencies, ranging from 1ms to 10s.
var DispatchBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var (
	// RequestsTotal counts all HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plume_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plume_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: DispatchBuckets,
		},
		[]string{"method"},
	)

	// StreamingConnections tracks the number of active SSE event streams.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plume_streaming_connections_active",
			Help: "Active SSE event streams",
		},
	)

	// PipelineRunsTotal counts hook pipeline runs by service, method, and outcome.
	// The outcome is "ok" or an API error type.
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plume_pipeline_runs_total",
			Help: "Hook pipeline runs",
		},
		[]string{"service", "method", "outcome"},
	)

	// PipelineDuration records pipeline run duration in seconds.
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plume_pipeline_duration_seconds",
			Help:    "Hook pipeline duration",
			Buckets: DispatchBuckets,
		},
		[]string{"service", "method"},
	)

	// HookFailuresTotal counts hooks that returned an error.
	HookFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plume_hook_failures_total",
			Help: "Hook failures",
		},
		[]string{"service", "phase", "hook"},
	)

	// AuthAttemptsTotal counts strategy attempts by decision (yes, no, abstain).
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plume_auth_attempts_total",
			Help: "Authentication strategy attempts",
		},
		[]string{"strategy", "decision"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plume_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"service"},
	)

	// SocketConnections tracks the number of open socket connections.
	SocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "plume_socket_connections_active",
			Help: "Active socket connections",
		},
	)

	// EventsPublishedTotal counts service events by service and event name.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plume_events_published_total",
			Help: "Service events published",
		},
		[]string{"service", "event"},
	)

	// EventsDroppedTotal counts events not delivered to a slow subscriber.
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plume_events_dropped_total",
			Help: "Service events dropped for slow subscribers",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		PipelineRunsTotal,
		PipelineDuration,
		HookFailuresTotal,
		AuthAttemptsTotal,
		RateLimitRejectedTotal,
		SocketConnections,
		EventsPublishedTotal,
		EventsDroppedTotal,
	)
}
