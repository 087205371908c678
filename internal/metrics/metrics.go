// Package metrics exposes minimization progress as Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/molmin/internal/minimize"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "molmin"

// Config configures the collectors.
type Config struct {
	// Namespace prefixes metric names; empty uses DefaultNamespace.
	Namespace string
	// EnableGoMetrics adds the Go runtime collector.
	EnableGoMetrics bool
	// EnableProcessMetrics adds the process collector.
	EnableProcessMetrics bool
}

// Metrics owns a private registry with the minimization collectors.
type Metrics struct {
	registry *prometheus.Registry

	phases      *prometheus.CounterVec
	runs        *prometheus.CounterVec
	steps       prometheus.Counter
	active      prometheus.Gauge
	energy      prometheus.Gauge
	duration    *prometheus.HistogramVec
	stepsPerRun prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New(cfg Config) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	if cfg.EnableProcessMetrics {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: ns}))
	}
	if cfg.EnableGoMetrics {
		reg.MustRegister(collectors.NewGoCollector())
	}

	m := &Metrics{
		registry: reg,
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "status_transitions_total",
			Help:      "Status tokens emitted by minimization runs.",
		}, []string{"status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Finished minimization runs by outcome and force field.",
		}, []string{"outcome", "force_field"}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "steps_total",
			Help:      "Steepest-descent steps taken across all runs.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Minimization runs currently stepping.",
		}),
		energy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "last_step_energy",
			Help:      "Energy reported by the most recent step, in the run's display units.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"outcome"}),
		stepsPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_steps",
			Help:      "Steps taken by finished runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	reg.MustRegister(m.phases, m.runs, m.steps, m.active, m.energy, m.duration, m.stepsPerRun)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveResult records a finished run.
func (m *Metrics) ObserveResult(res *minimize.Result, elapsed time.Duration) {
	if res == nil {
		return
	}
	outcome := res.Outcome.String()
	m.runs.WithLabelValues(outcome, res.ForceField).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	m.stepsPerRun.Observe(float64(res.Steps))
}

// Reporter returns a minimize.Reporter feeding these collectors. Use one
// reporter per engine.
func (m *Metrics) Reporter() minimize.Reporter {
	return &reporter{m: m}
}

type reporter struct {
	m *Metrics

	mu      sync.Mutex
	running bool
}

func (r *reporter) Status(s minimize.Status) {
	r.m.phases.WithLabelValues(string(s)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	switch s {
	case minimize.StatusStarting:
		if !r.running {
			r.running = true
			r.m.active.Inc()
		}
	case minimize.StatusDone, minimize.StatusFailed:
		if r.running {
			r.running = false
			r.m.active.Dec()
		}
	}
}

func (r *reporter) Step(sr minimize.StepReport) {
	if sr.Step > 0 {
		r.m.steps.Inc()
	}
	r.m.energy.Set(sr.Energy)
}
