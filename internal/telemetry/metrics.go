package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "reportowl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var JobsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reportowl",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Total number of report jobs enqueued.",
	},
	[]string{"use_case"},
)

var JobsCompletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "reportowl",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of report jobs completed successfully.",
	},
)

var JobsFailedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "reportowl",
		Subsystem: "jobs",
		Name:      "failed_total",
		Help:      "Total number of report jobs that exhausted their attempts.",
	},
)

var JobsRetriedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "reportowl",
		Subsystem: "jobs",
		Name:      "retried_total",
		Help:      "Total number of job retries scheduled.",
	},
)

var JobProcessingDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "reportowl",
		Subsystem: "jobs",
		Name:      "processing_duration_seconds",
		Help:      "End-to-end job processing duration in seconds.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
)

var ViewsFetchedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reportowl",
		Subsystem: "tableau",
		Name:      "views_fetched_total",
		Help:      "Total number of view data fetches by outcome.",
	},
	[]string{"status"},
)

var AuthRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reportowl",
		Subsystem: "tableau",
		Name:      "auth_requests_total",
		Help:      "Total number of sign-in requests issued, by outcome.",
	},
	[]string{"status"},
)

var EmailsSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "reportowl",
		Subsystem: "email",
		Name:      "sent_total",
		Help:      "Total number of emails sent by type.",
	},
	[]string{"type"},
)

// All returns all reportowl-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsEnqueuedTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRetriedTotal,
		JobProcessingDuration,
		ViewsFetchedTotal,
		AuthRequestsTotal,
		EmailsSentTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
