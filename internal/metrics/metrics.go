// Package metrics records run, stage, gate and agent metrics with
// Prometheus. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/papapumpkin/pulsar/internal/pipeline"
)

const namespace = "pulsar"

// Metrics holds the collectors.
type Metrics struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runsActive    *prometheus.GaugeVec
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	gates         *prometheus.CounterVec
	gatesOpen     prometheus.Gauge
	hookFailures  *prometheus.CounterVec
	agentsBusy    prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished pipeline runs by final status",
			},
			[]string{"pipeline", "status"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of pipeline runs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
			},
			[]string{"pipeline", "status"},
		),
		runsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Pipeline runs in progress",
			},
			[]string{"pipeline"},
		),
		stages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_total",
				Help:      "Finished stages by kind and final status",
			},
			[]string{"pipeline", "kind", "status"},
		),
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of stages with a body",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 0.1s to ~55m
			},
			[]string{"pipeline", "status"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Stage attempts that were retried",
			},
			[]string{"pipeline"},
		),
		gates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gates_total",
				Help:      "Resolved approval gates by outcome",
			},
			[]string{"pipeline", "outcome"},
		),
		gatesOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gates_open",
				Help:      "Approval gates waiting for a decision",
			},
		),
		hookFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_failures_total",
				Help:      "Post hooks that failed",
			},
			[]string{"pipeline", "hook"},
		),
		agentsBusy: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_busy",
				Help:      "Agent slots currently running a body",
			},
		),
	}
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted(pipelineName string) {
	if m == nil {
		return
	}
	m.runsActive.WithLabelValues(pipelineName).Inc()
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(pipelineName string, status pipeline.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.runsActive.WithLabelValues(pipelineName).Dec()
	m.runs.WithLabelValues(pipelineName, string(status)).Inc()
	m.runDuration.WithLabelValues(pipelineName, string(status)).Observe(d.Seconds())
}

// StageFinished records a stage reaching a terminal status. Durations are
// only observed for stages with a body that actually ran.
func (m *Metrics) StageFinished(pipelineName, kind string, status pipeline.Status, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(pipelineName, kind, string(status)).Inc()
	if kind == "stage" && status != pipeline.StatusSkipped {
		m.stageDuration.WithLabelValues(pipelineName, string(status)).Observe(d.Seconds())
	}
}

// StageRetried counts one retry.
func (m *Metrics) StageRetried(pipelineName string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(pipelineName).Inc()
}

// GateOpened counts a gate that started waiting.
func (m *Metrics) GateOpened() {
	if m == nil {
		return
	}
	m.gatesOpen.Inc()
}

// GateResolved records how a gate ended.
func (m *Metrics) GateResolved(pipelineName, outcome string) {
	if m == nil {
		return
	}
	m.gatesOpen.Dec()
	m.gates.WithLabelValues(pipelineName, outcome).Inc()
}

// HookFailed counts a failed post hook.
func (m *Metrics) HookFailed(pipelineName, hook string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(pipelineName, hook).Inc()
}

// AgentsBusy sets the number of busy agent slots.
func (m *Metrics) AgentsBusy(n int) {
	if m == nil {
		return
	}
	m.agentsBusy.Set(float64(n))
}
