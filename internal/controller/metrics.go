package controller

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netbridge_requests_total",
			Help: "Total number of requests by terminal outcome.",
		},
		[]string{"outcome"},
	)

	responseBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netbridge_response_bytes_total",
			Help: "Total response body bytes delivered to observers.",
		},
	)

	redirectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netbridge_redirects_total",
			Help: "Total redirects received, by decision.",
		},
		[]string{"decision"},
	)

	observerPanicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netbridge_observer_panics_total",
			Help: "Total panics recovered from observer callbacks.",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netbridge_request_duration_seconds",
			Help:    "Time from request start to its terminal callback, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(responseBytesTotal)
	prometheus.MustRegister(redirectsTotal)
	prometheus.MustRegister(observerPanicsTotal)
	prometheus.MustRegister(requestDuration)
}
