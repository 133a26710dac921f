// Package metrics exports run, step, reflection and collaboration counters to
// Prometheus. Collection is fed by orchestrator and collaboration hooks.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codefionn/reflexion/internal/collab"
	"github.com/codefionn/reflexion/internal/orchestrator"
	"github.com/codefionn/reflexion/internal/reflection"
	"github.com/codefionn/reflexion/internal/step"
)

// Metrics holds the collectors. All names are prefixed with "reflexion_".
//
// Metrics:
//   - reflexion_runs_total{status,reason}
//   - reflexion_run_steps - histogram of steps per run
//   - reflexion_steps_total{status,tool}
//   - reflexion_step_duration_seconds{tool}
//   - reflexion_step_errors_total{kind}
//   - reflexion_reflections_total{source}
//   - reflexion_reflection_cache_entries
//   - reflexion_collab_runs_total{status}
//   - reflexion_collab_rounds_total
//   - reflexion_collab_round_score
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunSteps         prometheus.Histogram
	StepsTotal       *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	StepErrorsTotal  *prometheus.CounterVec
	ReflectionsTotal *prometheus.CounterVec

	CollabRunsTotal   *prometheus.CounterVec
	CollabRoundsTotal prometheus.Counter
	CollabRoundScore  prometheus.Histogram
}

// New creates the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflexion_runs_total",
				Help: "Total number of finished task runs",
			},
			[]string{"status", "reason"},
		),
		RunSteps: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reflexion_run_steps",
				Help:    "Number of steps per finished run",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
		),
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflexion_steps_total",
				Help: "Total number of recorded steps",
			},
			[]string{"status", "tool"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reflexion_step_duration_seconds",
				Help:    "Duration of a step from decision to record",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
			},
			[]string{"tool"},
		),
		StepErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflexion_step_errors_total",
				Help: "Total number of failed steps by error kind",
			},
			[]string{"kind"},
		),
		ReflectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflexion_reflections_total",
				Help: "Total number of reflections attached to steps by source",
			},
			[]string{"source"}, // "cache" or "reflector"
		),
		CollabRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflexion_collab_runs_total",
				Help: "Total number of finished collaborations",
			},
			[]string{"status"},
		),
		CollabRoundsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reflexion_collab_rounds_total",
				Help: "Total number of plan, execute and critique rounds",
			},
		),
		CollabRoundScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reflexion_collab_round_score",
				Help:    "Critic score per round",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchCache exports the size and hit statistics of a reflection cache.
func (m *Metrics) WatchCache(c *reflection.Cache) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "reflexion_reflection_cache_entries",
			Help: "Current number of reflection cache entries",
		},
		func() float64 { return float64(c.Len()) },
	)
	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "reflexion_reflection_cache_hits_total",
			Help: "Total number of reflection cache hits",
		},
		func() float64 { return float64(c.Statistics().TotalHits) },
	)
	factory.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "reflexion_reflection_cache_misses_total",
			Help: "Total number of reflection cache misses",
		},
		func() float64 { return float64(c.Statistics().Misses) },
	)
}

// RecordStep records one step.
func (m *Metrics) RecordStep(rec step.Record) {
	tool := toolLabel(rec.Action)
	m.StepsTotal.WithLabelValues(string(rec.Status), tool).Inc()
	m.StepDuration.WithLabelValues(tool).Observe(float64(rec.DurationMs) / 1000)
	if rec.Status == step.StatusFailure {
		m.StepErrorsTotal.WithLabelValues(string(rec.Observation.Kind)).Inc()
	}
	if rec.ReflectionSource != step.SourceNone {
		m.ReflectionsTotal.WithLabelValues(string(rec.ReflectionSource)).Inc()
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(s *orchestrator.Summary) {
	m.RunsTotal.WithLabelValues(string(s.Status), s.Reason).Inc()
	m.RunSteps.Observe(float64(s.TotalSteps))
}

// RecordRound records one collaboration round.
func (m *Metrics) RecordRound(r collab.Round) {
	m.CollabRoundsTotal.Inc()
	m.CollabRoundScore.Observe(r.Score)
}

// RecordCollaboration records a finished collaboration.
func (m *Metrics) RecordCollaboration(r *collab.Result) {
	m.CollabRunsTotal.WithLabelValues(string(r.Status)).Inc()
}

// Hooks returns orchestrator hooks feeding the metrics.
func (m *Metrics) Hooks() *orchestrator.Hooks {
	return &orchestrator.Hooks{
		OnStep: func(ctx context.Context, runID string, rec step.Record) error {
			m.RecordStep(rec)
			return nil
		},
		OnRun: func(ctx context.Context, s *orchestrator.Summary) error {
			m.RecordRun(s)
			return nil
		},
	}
}

// CollabHooks returns collaboration hooks feeding the metrics.
func (m *Metrics) CollabHooks() *collab.Hooks {
	return &collab.Hooks{
		OnReview: func(ctx context.Context, runID string, r collab.Round) error {
			m.RecordRound(r)
			return nil
		},
		OnResult: func(ctx context.Context, r *collab.Result) error {
			m.RecordCollaboration(r)
			return nil
		},
	}
}

func toolLabel(a step.Action) string {
	switch a.Type {
	case step.ActionInvoke:
		return a.Tool
	case step.ActionFinalize:
		return "finalize"
	default:
		return "none"
	}
}
