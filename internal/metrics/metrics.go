// Package metrics exposes Prometheus metrics for pipelines and builders. All
// methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "factory"

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	reg *prometheus.Registry

	transitions    *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	builderRuns    *prometheus.CounterVec
	activeBuilders prometheus.Gauge
	fixRounds      prometheus.Counter
	pipelineCost   *prometheus.GaugeVec
	budgetExceeded prometheus.Counter
	checkRuns      *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions fired, by trigger and destination state.",
		}, []string{"trigger", "to"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in a phase handler.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"trigger"}),
		builderRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builder_runs_total",
			Help:      "Builder worker runs, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		activeBuilders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_builders",
			Help:      "Builder workers currently running.",
		}),
		fixRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fix_rounds_total",
			Help:      "Fix-pass rounds executed.",
		}),
		pipelineCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_cost_dollars",
			Help:      "Accumulated spend of a pipeline.",
		}, []string{"pipeline_id"}),
		budgetExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_exceeded_total",
			Help:      "Pipelines stopped by the budget ceiling.",
		}),
		checkRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_runs_total",
			Help:      "Quality-gate check executions, by layer and result.",
		}, []string{"layer", "result"}),
	}
	m.reg.MustRegister(
		m.transitions, m.phaseDuration, m.builderRuns, m.activeBuilders,
		m.fixRounds, m.pipelineCost, m.budgetExceeded, m.checkRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Transition(trigger, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(trigger, to).Inc()
}

func (m *Metrics) PhaseDuration(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// BuilderStarted and BuilderFinished bracket one worker run.
func (m *Metrics) BuilderStarted() {
	if m == nil {
		return
	}
	m.activeBuilders.Inc()
}

func (m *Metrics) BuilderFinished(mode string, success bool) {
	if m == nil {
		return
	}
	m.activeBuilders.Dec()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.builderRuns.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) FixRound() {
	if m == nil {
		return
	}
	m.fixRounds.Inc()
}

func (m *Metrics) Cost(pipelineID string, total float64) {
	if m == nil {
		return
	}
	m.pipelineCost.WithLabelValues(pipelineID).Set(total)
}

func (m *Metrics) BudgetExceeded() {
	if m == nil {
		return
	}
	m.budgetExceeded.Inc()
}

func (m *Metrics) CheckRun(layer string, passed bool) {
	if m == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.checkRuns.WithLabelValues(layer, result).Inc()
}
