// Package metrics holds the Prometheus collectors shared by the run loop, the
// durable step runner and the result persister. All methods are safe on a nil
// *Metrics so components can run without instrumentation.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codebox"

// Metrics exposes Prometheus collectors that report run activity.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	runsActive      prometheus.Gauge
	runTurns        prometheus.Histogram
	terminations    *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	persistAttempts *prometheus.CounterVec
}

// MustNew constructs Metrics on reg, reusing collectors that are already
// registered there. Any other registration error panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		runsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Completed runs by outcome.",
		}, []string{"outcome"})),
		runsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_active",
			Help: "Runs currently executing.",
		})),
		runTurns: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_model_turns",
			Help:    "Model turns taken per run.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		})),
		terminations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "run_terminations_total",
			Help: "Loop terminations by reason.",
		}, []string{"reason"})),
		stepsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "durable", Name: "steps_total",
			Help: "Durable steps by kind and result (executed, replayed, failed).",
		}, []string{"kind", "result"})),
		stepDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "durable", Name: "step_duration_seconds",
			Help:    "Wall time of executed durable steps.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"})),
		toolCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Tool calls by tool and status.",
		}, []string{"tool", "status"})),
		persistAttempts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persist", Name: "attempts_total",
			Help: "Result persistence attempts by outcome (success, transient, fatal).",
		}, []string{"outcome"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records the outcome and turn count of a run.
func (m *Metrics) RunFinished(outcome string, turns int) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(outcome).Inc()
	if turns > 0 {
		m.runTurns.Observe(float64(turns))
	}
}

// Terminated records why the loop stopped.
func (m *Metrics) Terminated(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

// Step records a durable step result. Duration is observed for executed steps only.
func (m *Metrics) Step(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(kind, result).Inc()
	if result == "executed" {
		m.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// ToolCall records a dispatched tool call.
func (m *Metrics) ToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

// PersistAttempt records one persistence attempt.
func (m *Metrics) PersistAttempt(outcome string) {
	if m == nil {
		return
	}
	m.persistAttempts.WithLabelValues(outcome).Inc()
}
