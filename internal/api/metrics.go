package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netbridge_http_requests_total",
		Help: "API requests served, by method, route and status code.",
	}, []string{"method", "route", "status"})

	apiLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netbridge_http_request_duration_seconds",
		Help:    "API request latency. Blocking fetches include the upstream round trip.",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"method", "route"})

	eventStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netbridge_event_streams_active",
		Help: "Open SSE lifecycle event streams.",
	})
)

func init() {
	prometheus.MustRegister(apiRequests, apiLatency, eventStreams)
}

// metricsMiddleware labels by chi route pattern so request IDs in paths do
// not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		apiRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		apiLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
