package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	runsSubmitted     *prometheus.CounterVec
	runsCompleted     *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	activeRuns        prometheus.Gauge
	stagesExecuted    *prometheus.CounterVec
	stageFailures     *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	readyStages       prometheus.Gauge
	toolExecutions    *prometheus.CounterVec
	toolFailures      *prometheus.CounterVec
	toolDuration      *prometheus.HistogramVec
	workerPoolIdle    prometheus.Gauge
	workerPoolBusy    prometheus.Gauge
	workerPoolStopped prometheus.Gauge
}

// NewCollector registers the alignflow metrics with reg. A nil reg uses
// the default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alignflow_runs_submitted_total",
				Help: "Total number of pipeline runs submitted",
			},
			[]string{"status"},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alignflow_runs_completed_total",
				Help: "Total number of pipeline runs completed",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alignflow_run_duration_seconds",
				Help:    "Pipeline run duration in seconds",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
			},
			[]string{"status"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "alignflow_active_runs",
				Help: "Number of currently executing runs",
			},
		),
		stagesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alignflow_stages_executed_total",
				Help: "Total number of stages that reached a terminal state",
			},
			[]string{"kind", "state"},
		),
		stageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alignflow_stage_failures_total",
				Help: "Total number of stage failures by error kind",
			},
			[]string{"kind", "error_kind"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alignflow_stage_duration_seconds",
				Help:    "Stage execution duration in seconds",
				Buckets: []float64{0.1, 1, 10, 60, 300, 900, 1800, 3600},
			},
			[]string{"kind"},
		),
		readyStages: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "alignflow_ready_stages",
				Help: "Number of stages waiting for a worker",
			},
		),
		toolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alignflow_tool_executions_total",
				Help: "Total number of external tool executions",
			},
			[]string{"tool"},
		),
		toolFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alignflow_tool_failures_total",
				Help: "Total number of external tool failures",
			},
			[]string{"tool"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alignflow_tool_duration_seconds",
				Help:    "Duration of the tool pipe a tool took part in, in seconds",
				Buckets: []float64{0.1, 1, 10, 60, 300, 900, 1800, 3600},
			},
			[]string{"tool"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "alignflow_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "alignflow_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "alignflow_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordRunSubmitted records a run submission
func (c *Collector) RecordRunSubmitted(status string) {
	c.runsSubmitted.WithLabelValues(status).Inc()
}

// RecordRunCompleted records a finished run
func (c *Collector) RecordRunCompleted(status string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStageExecuted records a stage reaching a terminal state
func (c *Collector) RecordStageExecuted(kind string, state string, duration time.Duration) {
	c.stagesExecuted.WithLabelValues(kind, state).Inc()
	c.stageDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStageFailure records the error kind of a failed stage
func (c *Collector) RecordStageFailure(kind string, errorKind string) {
	c.stageFailures.WithLabelValues(kind, errorKind).Inc()
}

// RecordToolExecution records one tool's participation in a stage pipe
func (c *Collector) RecordToolExecution(tool string, duration time.Duration, failed bool) {
	c.toolExecutions.WithLabelValues(tool).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if failed {
		c.toolFailures.WithLabelValues(tool).Inc()
	}
}

// SetActiveRuns sets the number of executing runs
func (c *Collector) SetActiveRuns(count int) {
	c.activeRuns.Set(float64(count))
}

// AddReadyStages adjusts the number of stages waiting for a worker
func (c *Collector) AddReadyStages(delta int) {
	c.readyStages.Add(float64(delta))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
