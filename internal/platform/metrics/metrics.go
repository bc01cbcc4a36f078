// Package metrics holds the Prometheus instruments shared across the
// workflow engine, dispatcher and API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runflow_transitions_total",
		Help: "State transitions applied, by source and destination state",
	}, []string{"from", "to"})

	TransitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runflow_transition_conflicts_total",
		Help: "Transitions rejected because the run state moved underneath the caller",
	}, []string{"operation"})

	IntegrityFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runflow_integrity_faults_total",
		Help: "Transitions refused because stored rows contradicted the workflow invariants",
	})

	DispatchInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runflow_dispatch_inflight",
		Help: "Runs currently claimed by the dispatcher",
	})

	StepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runflow_step_duration_seconds",
		Help:    "Wall time of executed workflow steps",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"state", "outcome"})

	StepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runflow_step_failures_total",
		Help: "Step executions that ended in failure, by dispatched state",
	}, []string{"state"})

	RetryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runflow_retry_attempts_total",
		Help: "Automatic retries of runs parked in a stage error state",
	}, []string{"stage"})

	RetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runflow_retry_exhausted_total",
		Help: "Runs whose automatic retry budget ran out",
	}, []string{"stage"})

	RunsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runflow_runs_by_state",
		Help: "Current number of runs in each workflow state",
	}, []string{"state"})
)
