// Package worker runs the autonomous optimization loop: enumerate
// campaigns, evaluate them, gate every candidate through both guardrail
// engines, and queue or execute what survives.
package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/gateway"
	"github.com/adverve/roaspilot/internal/metrics"
	"github.com/adverve/roaspilot/internal/optimize"
	"github.com/adverve/roaspilot/internal/policy"
	"github.com/adverve/roaspilot/internal/safety"
	"github.com/adverve/roaspilot/internal/store"
)

// TickStats summarizes one pass over the campaign portfolio.
type TickStats struct {
	CampaignsEvaluated int           `json:"campaigns_evaluated"`
	CampaignsSkipped   int           `json:"campaigns_skipped"`
	ActionsSuggested   int           `json:"actions_suggested"`
	ActionsExecuted    int           `json:"actions_executed"`
	ActionsBlocked     int           `json:"actions_blocked"`
	Errors             int           `json:"errors"`
	Duration           time.Duration `json:"duration"`
}

// Worker drives the periodic optimization cycle. One campaign failing
// never stops the pass; loop-level failures back off and retry.
type Worker struct {
	cfg      config.Config
	service  *optimize.Service
	platform gateway.Gateway
	actions  store.ActionRepo
	policy   *policy.Engine
	safety   *safety.Engine
	registry *metrics.Registry
	now      func() time.Time
}

// New wires a worker. registry may be nil when metrics are not exposed.
func New(cfg config.Config, service *optimize.Service, platform gateway.Gateway, actions store.ActionRepo, pol *policy.Engine, saf *safety.Engine, registry *metrics.Registry) *Worker {
	return &Worker{
		cfg:      cfg,
		service:  service,
		platform: platform,
		actions:  actions,
		policy:   pol,
		safety:   saf,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock, for tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run loops Tick at the configured interval until ctx is cancelled. A
// failed tick waits out the error backoff instead of the full interval.
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Str("mode", string(w.cfg.Mode)).
		Dur("interval", w.cfg.TickInterval).
		Msg("Worker started")

	for {
		stats, err := w.Tick(ctx)
		wait := w.cfg.TickInterval
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Tick failed")
			wait = w.cfg.Worker.ErrorBackoff
		} else {
			log.Info().
				Int("evaluated", stats.CampaignsEvaluated).
				Int("skipped", stats.CampaignsSkipped).
				Int("suggested", stats.ActionsSuggested).
				Int("executed", stats.ActionsExecuted).
				Int("blocked", stats.ActionsBlocked).
				Int("errors", stats.Errors).
				Dur("duration", stats.Duration).
				Msg("Tick completed")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Worker stopped")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Tick runs one full pass: up to MaxCampaignsPerTick campaigns and
// MaxActionsPerTick queued or executed actions.
func (w *Worker) Tick(ctx context.Context) (TickStats, error) {
	start := time.Now()
	var stats TickStats

	var timer *metrics.TickTimer
	if w.registry != nil {
		timer = w.registry.StartTick()
		defer timer.Stop()
	}
	defer func() { stats.Duration = time.Since(start) }()

	campaigns, err := w.platform.ListActiveCampaigns(ctx)
	if err != nil {
		if w.registry != nil {
			w.registry.PlatformErrors.Inc()
		}
		return stats, fmt.Errorf("failed to list campaigns: %w", err)
	}
	if len(campaigns) > w.cfg.Worker.MaxCampaignsPerTick {
		campaigns = campaigns[:w.cfg.Worker.MaxCampaignsPerTick]
	}

	actionBudget := w.cfg.Worker.MaxActionsPerTick

	for i := range campaigns {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if actionBudget <= 0 {
			log.Warn().Int("max", w.cfg.Worker.MaxActionsPerTick).Msg("Action budget exhausted, remaining campaigns deferred")
			break
		}

		campaign := &campaigns[i]
		used, err := w.safeProcess(ctx, campaign, actionBudget, &stats)
		if err != nil {
			stats.Errors++
			if w.registry != nil {
				w.registry.CampaignErrors.Inc()
			}
			log.Error().Err(err).Str("campaign_id", campaign.ID).Msg("Campaign evaluation failed")
			continue
		}
		actionBudget -= used
	}

	return stats, nil
}

// safeProcess contains a panicking campaign to the same failure path as
// an error, so one bad campaign cannot take down the tick.
func (w *Worker) safeProcess(ctx context.Context, campaign *domain.Campaign, budget int, stats *TickStats) (used int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic evaluating campaign %s: %v", campaign.ID, r)
		}
	}()
	return w.processCampaign(ctx, campaign, budget, stats)
}

// processCampaign evaluates one campaign and moves its surviving
// candidates into the queue, returning how many actions it consumed.
func (w *Worker) processCampaign(ctx context.Context, campaign *domain.Campaign, budget int, stats *TickStats) (int, error) {
	eval, err := w.service.EvaluateCampaign(ctx, campaign.ID)
	if err != nil {
		return 0, err
	}

	if w.registry != nil {
		w.registry.CampaignsEvaluated.Inc()
	}
	if eval.Skipped {
		stats.CampaignsSkipped++
		return 0, nil
	}
	stats.CampaignsEvaluated++

	used := 0
	for _, candidate := range eval.Candidates {
		if used >= budget {
			break
		}

		actx, err := w.assembleContext(ctx, campaign, eval, &candidate)
		if err != nil {
			return used, err
		}

		if verdict := w.policy.ValidateAction(&candidate, actx); !verdict.Allowed {
			stats.ActionsBlocked++
			w.recordBlock("policy", string(verdict.Code))
			continue
		}
		if candidate.Type == domain.ActionScaleUp && len(actx.GeoDistribution) > 0 {
			if verdict := w.policy.ValidateGeoDistribution(actx.GeoDistribution); !verdict.Allowed {
				stats.ActionsBlocked++
				w.recordBlock("policy", string(verdict.Code))
				continue
			}
		}
		if verdict := w.safety.ValidateAction(&candidate, actx); verdict.Blocked {
			stats.ActionsBlocked++
			w.recordBlock("safety", string(verdict.Code))
			continue
		}

		queued, err := w.service.Enqueue(ctx, candidate)
		if err != nil {
			return used, err
		}
		used++
		stats.ActionsSuggested++
		if w.registry != nil {
			w.registry.ActionsSuggested.WithLabelValues(string(queued.Type)).Inc()
		}

		if actx.IsAuto {
			if _, err := w.service.Execute(ctx, queued.ActionID, "autopilot", false); err != nil {
				stats.Errors++
				if w.registry != nil {
					w.registry.ActionsFailed.WithLabelValues(string(queued.Type)).Inc()
				}
				log.Error().Err(err).Str("action_id", queued.ActionID).Msg("Auto-execution failed")
				continue
			}
			stats.ActionsExecuted++
			if w.registry != nil {
				w.registry.ActionsExecuted.WithLabelValues(string(queued.Type)).Inc()
			}
		}
	}

	return used, nil
}

// assembleContext builds the snapshot both guardrail engines evaluate
// the candidate against.
func (w *Worker) assembleContext(ctx context.Context, campaign *domain.Campaign, eval *optimize.Evaluation, candidate *domain.OptimizationAction) (domain.ActionContext, error) {
	spendToday, err := w.platform.SpendToday(ctx, campaign.ID)
	if err != nil {
		return domain.ActionContext{}, fmt.Errorf("failed to fetch today's spend: %w", err)
	}
	creative, err := w.platform.GetCreative(ctx, campaign.ID)
	if err != nil {
		return domain.ActionContext{}, fmt.Errorf("failed to fetch creative: %w", err)
	}
	geo, err := w.platform.GeoDistribution(ctx, campaign.ID)
	if err != nil {
		return domain.ActionContext{}, fmt.Errorf("failed to fetch geo distribution: %w", err)
	}
	lastAction, err := w.actions.LastExecutedAt(ctx, candidate.TargetID, candidate.Type)
	if err != nil {
		return domain.ActionContext{}, fmt.Errorf("failed to look up action history: %w", err)
	}

	return domain.ActionContext{
		CampaignID:        campaign.ID,
		CurrentBudgetUSD:  campaign.DailyBudgetUSD,
		ProposedBudgetUSD: candidate.AmountUSD,
		ROAS:              eval.Result.SmoothedROAS,
		Confidence:        candidate.Confidence,
		SpendUSD:          eval.Result.SpendUSD,
		SpendTodayUSD:     spendToday,
		Impressions:       eval.Result.Impressions,
		EntityCreatedAt:   campaign.CreatedAt,
		LastActionAt:      lastAction,
		IsAuto:            w.autoEligible(candidate),
		Creative:          creative,
		GeoDistribution:   geo,
	}, nil
}

// autoEligible decides whether a candidate may execute without a human.
// Pauses always may: stopping spend is the safe direction. Reallocations
// never may. Budget moves need high confidence and a small step.
func (w *Worker) autoEligible(candidate *domain.OptimizationAction) bool {
	if w.cfg.Mode != config.ModeAuto {
		return false
	}
	switch candidate.Type {
	case domain.ActionPause:
		return true
	case domain.ActionReallocate:
		return false
	case domain.ActionScaleUp, domain.ActionScaleDown, domain.ActionResume:
		return candidate.Confidence >= w.cfg.Worker.AutoMinConfidence &&
			math.Abs(candidate.AmountPct) <= w.cfg.Policy.MaxAutoChangePct
	default:
		return false
	}
}

func (w *Worker) recordBlock(engine, code string) {
	if w.registry != nil {
		w.registry.RecordBlock(engine, code)
	}
}
