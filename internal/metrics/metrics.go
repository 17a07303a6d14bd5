package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestration engine's Prometheus instruments.
type Metrics struct {
	WorkflowsStarted     *prometheus.CounterVec
	WorkflowsFinished    *prometheus.CounterVec
	StepRetries          *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	CompensationFailures prometheus.Counter
	LockConflicts        prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkflowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provflow_workflows_started_total",
			Help: "Lifecycle workflows admitted, by operation type.",
		}, []string{"operation"}),
		WorkflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provflow_workflows_finished_total",
			Help: "Lifecycle workflows reaching a terminal status.",
		}, []string{"operation", "status"}),
		StepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provflow_step_retries_total",
			Help: "Step attempts beyond the first, by step name.",
		}, []string{"step"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provflow_step_duration_seconds",
			Help:    "Wall time of successful forward step executions.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"step"}),
		CompensationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "provflow_compensation_failures_total",
			Help: "Compensation attempts that failed and left an instance in COMPENSATION_FAILED.",
		}),
		LockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "provflow_lock_conflicts_total",
			Help: "Workflow requests rejected because the subscriber was locked.",
		}),
	}
}
