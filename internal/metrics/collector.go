// Package metrics provides the internal Prometheus metrics collector.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector aggregates the orchestration metrics: iteration outcomes, task
// terminal statuses, per-task attempts, workflow stage durations, and
// rollback activity. Construct one per process with NewCollector and inject
// it; there is no package-level singleton.
type Collector struct {
	iterationsTotal   *prometheus.CounterVec
	iterationDuration prometheus.Histogram
	tasksTotal        *prometheus.CounterVec
	taskAttempts      prometheus.Histogram
	stagesTotal       *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	rollbackSteps     *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics on reg.
// A nil registerer leaves the metrics unregistered, which is convenient in
// tests that only exercise recording.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
		iterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Completed iterations by outcome (success, exhausted, declined).",
			},
			[]string{"outcome"},
		),
		iterationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "iteration_duration_seconds",
				Help:      "Wall time of one plan/execute/synthesize/evaluate cycle.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Subtasks reaching a terminal status.",
			},
			[]string{"status"},
		),
		taskAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_attempts",
				Help:      "Attempts consumed per subtask.",
				Buckets:   []float64{1, 2, 3},
			},
		),
		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_stages_total",
				Help:      "Workflow stages executed, by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_stage_duration_seconds",
				Help:      "Workflow stage execution time by stage type.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"type"},
		),
		rollbackSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_rollback_steps_total",
				Help:      "Rollback compensating actions invoked, by outcome.",
			},
			[]string{"outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			c.iterationsTotal,
			c.iterationDuration,
			c.tasksTotal,
			c.taskAttempts,
			c.stagesTotal,
			c.stageDuration,
			c.rollbackSteps,
		)
	}
	return c
}

// RecordIteration records one completed iteration.
func (c *Collector) RecordIteration(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.iterationsTotal.WithLabelValues(outcome).Inc()
	c.iterationDuration.Observe(duration.Seconds())
}

// RecordTask records a subtask reaching a terminal status.
func (c *Collector) RecordTask(status string, attempts int) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(status).Inc()
	c.taskAttempts.Observe(float64(attempts))
}

// RecordStage records one workflow stage execution.
func (c *Collector) RecordStage(stageType, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stagesTotal.WithLabelValues(stageType, outcome).Inc()
	c.stageDuration.WithLabelValues(stageType).Observe(duration.Seconds())
}

// RecordRollbackStep records one compensating action invocation.
func (c *Collector) RecordRollbackStep(outcome string) {
	if c == nil {
		return
	}
	c.rollbackSteps.WithLabelValues(outcome).Inc()
}
