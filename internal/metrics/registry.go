// Package metrics holds the Prometheus instrumentation for the autopilot.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the decision core.
type Registry struct {
	// Worker loop metrics
	TicksTotal         prometheus.Counter
	TickDuration       prometheus.Histogram
	CampaignsEvaluated prometheus.Counter
	CampaignErrors     prometheus.Counter

	// Action queue metrics
	ActionsSuggested *prometheus.CounterVec
	ActionsExecuted  *prometheus.CounterVec
	ActionsFailed    *prometheus.CounterVec

	// Guardrail metrics
	GuardrailBlocks *prometheus.CounterVec

	// Platform gateway metrics
	PlatformErrors prometheus.Counter
}

// NewRegistry creates and registers the full metric set.
func NewRegistry() *Registry {
	registry := &Registry{
		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roaspilot_ticks_total",
				Help: "Total number of worker ticks started",
			},
		),

		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roaspilot_tick_duration_seconds",
				Help:    "Duration of one full worker tick in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
		),

		CampaignsEvaluated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roaspilot_campaigns_evaluated_total",
				Help: "Total number of campaign evaluations completed",
			},
		),

		CampaignErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roaspilot_campaign_errors_total",
				Help: "Total number of campaign evaluations that failed",
			},
		),

		ActionsSuggested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roaspilot_actions_suggested_total",
				Help: "Total number of actions enqueued for approval by type",
			},
			[]string{"type"},
		),

		ActionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roaspilot_actions_executed_total",
				Help: "Total number of actions executed against the platform by type",
			},
			[]string{"type"},
		),

		ActionsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roaspilot_actions_failed_total",
				Help: "Total number of action executions that failed by type",
			},
			[]string{"type"},
		),

		GuardrailBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roaspilot_guardrail_blocks_total",
				Help: "Total number of actions blocked, by engine and reason code",
			},
			[]string{"engine", "code"},
		),

		PlatformErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roaspilot_platform_errors_total",
				Help: "Total number of failed ad platform calls",
			},
		),
	}

	prometheus.MustRegister(
		registry.TicksTotal,
		registry.TickDuration,
		registry.CampaignsEvaluated,
		registry.CampaignErrors,
		registry.ActionsSuggested,
		registry.ActionsExecuted,
		registry.ActionsFailed,
		registry.GuardrailBlocks,
		registry.PlatformErrors,
	)

	return registry
}

// TickTimer tracks one worker tick.
type TickTimer struct {
	registry *Registry
	start    time.Time
}

// StartTick begins timing a worker tick and bumps the tick counter.
func (r *Registry) StartTick() *TickTimer {
	r.TicksTotal.Inc()
	return &TickTimer{registry: r, start: time.Now()}
}

// Stop records the tick duration.
func (t *TickTimer) Stop() {
	duration := time.Since(t.start)
	t.registry.TickDuration.Observe(duration.Seconds())

	log.Debug().Dur("duration", duration).Msg("Worker tick completed")
}

// RecordBlock counts a guardrail rejection.
func (r *Registry) RecordBlock(engine, code string) {
	r.GuardrailBlocks.WithLabelValues(engine, code).Inc()
}

// Handler returns the Prometheus scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
