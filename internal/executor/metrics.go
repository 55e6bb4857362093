package executor

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for runnable outcomes.
const (
	outcomePosted    = "posted"
	outcomeExecuted  = "executed"
	outcomeDiscarded = "discarded"
	outcomePanicked  = "panicked"
)

var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netbridge_executor_queue_depth",
			Help: "Number of runnables waiting in the executor queue.",
		},
		[]string{"executor"},
	)

	runnablesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netbridge_executor_runnables_total",
			Help: "Total number of runnables by outcome.",
		},
		[]string{"executor", "outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netbridge_executor_run_seconds",
			Help:    "Time spent running a single runnable, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"executor"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(runnablesTotal)
	prometheus.MustRegister(runDuration)
}
