package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for jailfleet.
type Metrics struct {
	config MetricsConfig

	// Workflow metrics
	workflowsStarted   *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec

	// Dataset operation metrics
	datasetOps        *prometheus.CounterVec
	datasetOpDuration *prometheus.HistogramVec

	// Rollback metrics
	rollbackSteps    *prometheus.CounterVec
	rollbackFailures prometheus.Counter

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workflowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of workflows started",
			},
			[]string{"workflow"},
		),
		workflowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_completed_total",
				Help:      "Total number of workflows completed",
			},
			[]string{"workflow", "status"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow execution in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow"},
		),
		datasetOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dataset_operations_total",
				Help:      "Total number of volume backend operations",
			},
			[]string{"operation", "status"},
		),
		datasetOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dataset_operation_duration_seconds",
				Help:      "Duration of volume backend operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		rollbackSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_steps_total",
				Help:      "Total number of executed rollback steps",
			},
			[]string{"workflow"},
		),
		rollbackFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_failures_total",
				Help:      "Total number of failed rollback steps",
			},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsCompleted,
		m.workflowDuration,
		m.datasetOps,
		m.datasetOpDuration,
		m.rollbackSteps,
		m.rollbackFailures,
		m.errorsByKind,
	)

	return m
}

// WorkflowStarted records the start of a workflow.
func (m *Metrics) WorkflowStarted(workflow string) {
	if m.registry == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(workflow).Inc()
}

// WorkflowCompleted records a workflow outcome and its duration.
func (m *Metrics) WorkflowCompleted(workflow, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.workflowsCompleted.WithLabelValues(workflow, status).Inc()
	m.workflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// DatasetOperation records one volume backend operation.
func (m *Metrics) DatasetOperation(operation string, err error, duration time.Duration) {
	if m.registry == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.datasetOps.WithLabelValues(operation, status).Inc()
	m.datasetOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RollbackStep records an executed rollback step.
func (m *Metrics) RollbackStep(workflow string) {
	if m.registry == nil {
		return
	}
	m.rollbackSteps.WithLabelValues(workflow).Inc()
}

// RollbackFailed records a failed rollback step.
func (m *Metrics) RollbackFailed() {
	if m.registry == nil {
		return
	}
	m.rollbackFailures.Inc()
}

// ErrorByKind records an error occurrence by its classification.
func (m *Metrics) ErrorByKind(kind string) {
	if m.registry == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
