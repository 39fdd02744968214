// Package metrics exposes Prometheus collectors for pipeline executions.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine collectors, registered on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	NestedInvocations *prometheus.CounterVec
	NestingDepth      prometheus.Histogram
	SafetyViolations  *prometheus.CounterVec
	ActiveRuns        prometheus.Gauge
	PeakMemoryBytes   prometheus.Gauge
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of root pipeline executions",
			},
			[]string{"pipeline", "status"},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of root pipeline executions",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),

		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of executed steps",
			},
			[]string{"step_type", "status"},
		),

		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step executions",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"step_type"},
		),

		NestedInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nested_invocations_total",
				Help:      "Total number of nested pipeline invocations",
			},
			[]string{"status"},
		),

		NestingDepth: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "nesting_depth",
				Help:      "Depth of admitted nested pipeline invocations",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),

		SafetyViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "safety_violations_total",
				Help:      "Total number of safety limit violations",
			},
			[]string{"code"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of root executions in progress",
			},
		),

		PeakMemoryBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "peak_memory_bytes",
				Help:      "Highest sampled memory of the last finished run",
			},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

// RunStarted marks a root execution as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records a finished root execution.
func (m *Metrics) RunFinished(pipeline string, d time.Duration, peakMemory uint64, err error) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(pipeline, status(err)).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.PeakMemoryBytes.Set(float64(peakMemory))
}

// ObserveStep records one step execution.
func (m *Metrics) ObserveStep(stepType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(stepType, status(err)).Inc()
	m.StepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// ObserveNested records one nested invocation attempt.
func (m *Metrics) ObserveNested(depth int, err error) {
	if m == nil {
		return
	}
	m.NestedInvocations.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.NestingDepth.Observe(float64(depth))
	}
}

// SafetyViolation counts a violation by error code.
func (m *Metrics) SafetyViolation(code string) {
	if m == nil {
		return
	}
	m.SafetyViolations.WithLabelValues(code).Inc()
}

// WriteFile writes the current values in the text exposition format.
func (m *Metrics) WriteFile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
