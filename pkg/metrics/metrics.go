package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resource metrics
	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_resources_total",
			Help: "Total number of resources by kind and state",
		},
		[]string{"kind", "state"},
	)

	ResourcesAboveSLA = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_resources_above_sla_total",
			Help: "Number of resources that have been in their current state longer than the state's SLA",
		},
		[]string{"kind", "state"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_queue_depth",
			Help: "Number of queued entries per kind, claimed or not",
		},
		[]string{"kind"},
	)

	LeasesReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_leases_reclaimed_total",
			Help: "Total number of stale leases taken over from a dead controller instance",
		},
		[]string{"kind"},
	)

	LeasesLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_leases_lost_total",
			Help: "Total number of reconciliations abandoned because the lease could not be renewed",
		},
		[]string{"kind"},
	)

	// Handler metrics
	EvaluationsAboveSLA = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_evaluations_above_sla_total",
			Help: "Total number of handler invocations whose resource had already exceeded its state SLA",
		},
		[]string{"kind", "state"},
	)

	HandlerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_handler_outcomes_total",
			Help: "Total number of handler invocations by kind, state and outcome",
		},
		[]string{"kind", "state", "outcome"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_handler_duration_seconds",
			Help:    "Handler invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	HandlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_handler_panics_total",
			Help: "Total number of handler panics recovered by the controller",
		},
		[]string{"kind"},
	)

	PersistConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_persist_conflicts_total",
			Help: "Total number of state writes rejected by the optimistic version check",
		},
		[]string{"kind"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(ResourcesAboveSLA)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(LeasesReclaimed)
	prometheus.MustRegister(LeasesLost)
	prometheus.MustRegister(EvaluationsAboveSLA)
	prometheus.MustRegister(HandlerOutcomes)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(HandlerPanics)
	prometheus.MustRegister(PersistConflicts)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(t.Duration().Seconds())
}
