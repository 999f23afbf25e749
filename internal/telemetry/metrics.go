// Package telemetry provides observability primitives for the gateway and
// analytics services.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for both services. Collectors that
// do not apply to a given process simply stay at zero.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	UpstreamDuration  *prometheus.HistogramVec
	UpstreamErrors    *prometheus.CounterVec
	RateLimitRejects  *prometheus.CounterVec
	EmitterQueueLen   prometheus.Gauge
	EmitterDropped    prometheus.Counter
	EmitterFlushFails prometheus.Counter
	SinkQueueLen      prometheus.Gauge
	SinkDropped       prometheus.Counter
	SinkDuplicates    prometheus.Counter
	IngestAccepted    prometheus.Counter
	IngestRejected    prometheus.Counter
	ComputesTotal     *prometheus.CounterVec
	ActiveKeys        prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pulse",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pulse",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"route"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "upstream_errors_total",
			Help:      "Total upstream errors.",
		}, []string{"route", "status"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"client"}),

		EmitterQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "emitter_queue_length",
			Help:      "Current number of telemetry records queued for emission.",
		}),

		EmitterDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "emitter_dropped_total",
			Help:      "Telemetry records dropped by the emitter.",
		}),

		EmitterFlushFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "emitter_flush_failures_total",
			Help:      "Emitter flushes that exhausted all retries.",
		}),

		SinkQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "sink_queue_length",
			Help:      "Current number of records queued for persistence.",
		}),

		SinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "sink_dropped_total",
			Help:      "Records dropped by the raw-event sink.",
		}),

		SinkDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "sink_duplicates_total",
			Help:      "Records skipped as duplicates during persistence.",
		}),

		IngestAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "ingest_accepted_total",
			Help:      "Telemetry records accepted by the ingest endpoint.",
		}),

		IngestRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "ingest_rejected_total",
			Help:      "Telemetry records rejected as invalid.",
		}),

		ComputesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "computes_total",
			Help:      "Aggregate computations by trigger.",
		}, []string{"trigger"}),

		ActiveKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "active_keys",
			Help:      "Number of aggregation keys with buffered events.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.EmitterQueueLen,
		m.EmitterDropped,
		m.EmitterFlushFails,
		m.SinkQueueLen,
		m.SinkDropped,
		m.SinkDuplicates,
		m.IngestAccepted,
		m.IngestRejected,
		m.ComputesTotal,
		m.ActiveKeys,
	)

	return m
}
