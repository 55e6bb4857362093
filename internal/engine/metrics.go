package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	inflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netbridge_inflight_requests",
			Help: "Number of requests started and not yet released.",
		},
	)

	eventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netbridge_events_recorded_total",
			Help: "Total lifecycle events recorded, by event type.",
		},
		[]string{"type"},
	)

	rateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netbridge_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the request rate limiter.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(inflightRequests, eventsRecorded, rateLimitWait)
}
