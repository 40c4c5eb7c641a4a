// Package metricsx exposes the director's Prometheus metrics, mirroring
// the teacher's pkg/metrics package: package-level collectors registered
// once, served over promhttp.Handler().
package metricsx

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ExperimentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "director_experiments_total",
			Help: "Total number of experiments by status",
		},
		[]string{"status"},
	)

	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "director_deployments_total",
			Help: "Total number of deployments by status",
		},
		[]string{"status"},
	)

	CompilationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "director_compilations_total",
			Help: "Total number of compilations by status",
		},
		[]string{"status"},
	)

	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "director_locks_held",
			Help: "Total number of node locks currently held",
		},
	)

	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "director_raft_is_leader",
			Help: "Whether this replica is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	ProcessorTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "director_processor_tick_duration_seconds",
			Help:    "Duration of one experiment-processor supervisor tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompilationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "director_compilation_duration_seconds",
			Help:    "Duration of a single compilation build",
			Buckets: prometheus.DefBuckets,
		},
	)

	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_gateway_requests_total",
			Help: "Total gateway requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	MediatorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_mediator_requests_total",
			Help: "Total mediator requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ConnectorCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "director_connector_call_duration_seconds",
			Help:    "Duration of a connector registry call by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connector", "method"},
	)

	ConnectorCircuitOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "director_connector_circuit_open",
			Help: "Whether a connector's circuit breaker is currently open",
		},
		[]string{"connector"},
	)

	ExecutorTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_executor_tasks_total",
			Help: "Total tasks run by the executor agent, by outcome",
		},
		[]string{"outcome"},
	)

	ExecutorStageDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "director_executor_stage_duration_seconds",
			Help:    "Duration of a single pipeline stage inside the executor",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutorHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "director_executor_heartbeats_total",
			Help: "Total heartbeats posted by the executor agent, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		ExperimentsTotal,
		DeploymentsTotal,
		CompilationsTotal,
		LocksHeld,
		RaftLeader,
		ProcessorTickDuration,
		CompilationDuration,
		GatewayRequestsTotal,
		MediatorRequestsTotal,
		ConnectorCallDuration,
		ConnectorCircuitOpen,
		ExecutorTasksTotal,
		ExecutorStageDuration,
		ExecutorHeartbeatsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
