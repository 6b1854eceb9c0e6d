package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/roas"
	"github.com/adverve/roaspilot/internal/store"
)

// Evaluation is the outcome of one campaign pass: the measured figures
// plus zero or more candidate actions, not yet enqueued.
type Evaluation struct {
	CampaignID string                      `json:"campaign_id"`
	Skipped    bool                        `json:"skipped"`
	SkipReason string                      `json:"skip_reason,omitempty"`
	Result     *roas.Result                `json:"result,omitempty"`
	Predicted  float64                     `json:"predicted_roas,omitempty"`
	Confidence float64                     `json:"confidence"`
	Candidates []domain.OptimizationAction `json:"candidates,omitempty"`
}

// EvaluateCampaign measures one campaign and derives candidate actions.
// Campaigns that are not ACTIVE, or younger than the embargo period, are
// skipped with the reason recorded. The measured figures are persisted as
// the day's metrics record; a second evaluation on the same day keeps the
// first record.
func (s *Service) EvaluateCampaign(ctx context.Context, campaignID string) (*Evaluation, error) {
	campaign, err := s.platform.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch campaign %s: %w", campaignID, err)
	}

	now := s.now()
	eval := &Evaluation{CampaignID: campaignID}

	if campaign.Status != domain.CampaignActive {
		eval.Skipped = true
		eval.SkipReason = fmt.Sprintf("campaign status %s", campaign.Status)
		return eval, nil
	}
	if age := now.Sub(campaign.CreatedAt); age < s.cfg.EmbargoPeriod {
		eval.Skipped = true
		eval.SkipReason = fmt.Sprintf("campaign age %.0fh below embargo %.0fh", age.Hours(), s.cfg.EmbargoPeriod.Hours())
		return eval, nil
	}

	scope := domain.Scope{CampaignID: campaignID}
	window := domain.TimeRange{From: now.AddDate(0, 0, -s.cfg.LookbackDays), To: now}

	result, err := s.calc.Calculate(ctx, scope, window)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate ROAS for %s: %w", campaignID, err)
	}

	forecast, err := s.forecast.PredictROAS(ctx, scope, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to forecast ROAS for %s: %w", campaignID, err)
	}

	confidence := confidenceFor(result)

	eval.Result = result
	eval.Predicted = forecast.PredictedROAS
	eval.Confidence = confidence

	candidate := s.decide(campaign, result, confidence)
	if candidate != nil {
		if blocked, why := s.onCooldown(ctx, candidate); blocked {
			log.Debug().
				Str("campaign_id", campaignID).
				Str("type", string(candidate.Type)).
				Str("reason", why).
				Msg("Candidate suppressed by cooldown")
			candidate = nil
		}
	}
	if candidate != nil {
		eval.Candidates = append(eval.Candidates, *candidate)
	}

	if realloc, err := s.deriveReallocation(ctx, campaign, confidence); err != nil {
		log.Warn().Err(err).Str("campaign_id", campaignID).Msg("Reallocation scan failed")
	} else if realloc != nil {
		eval.Candidates = append(eval.Candidates, *realloc)
	}

	eval.Candidates = s.filterCandidates(eval.Candidates)

	if err := s.persistMetrics(ctx, campaign, result, forecast.PredictedROAS, confidence, eval.Candidates, now); err != nil {
		log.Warn().Err(err).Str("campaign_id", campaignID).Msg("Failed to persist metrics record")
	}

	return eval, nil
}

// decide maps the measured ROAS onto at most one budget action. The
// bands key on the raw (actual) figure, not the smoothed posterior: the
// prior pins an unmeasured campaign at 2.0, and a zero-revenue campaign
// must still be pausable. Low-sample uncertainty is carried by the
// confidence score instead. Scale-up aggressiveness follows the
// performance band but is always clamped to the daily change cap.
func (s *Service) decide(campaign *domain.Campaign, result *roas.Result, confidence float64) *domain.OptimizationAction {
	actual := result.RawROAS

	switch {
	case actual < s.cfg.PauseROAS:
		return s.budgetAction(campaign, domain.ActionPause, -1.0, 0, result, confidence,
			fmt.Sprintf("actual ROAS %.2f below pause threshold %.2f", actual, s.cfg.PauseROAS))

	case actual <= s.cfg.ScaleDownMaxROAS:
		pct := -math.Min(0.30, s.cfg.MaxDailyChangePct)
		newBudget := campaign.DailyBudgetUSD * (1 + pct)
		return s.budgetAction(campaign, domain.ActionScaleDown, pct, newBudget, result, confidence,
			fmt.Sprintf("actual ROAS %.2f below scale-down threshold %.2f", actual, s.cfg.ScaleDownMaxROAS))

	case actual >= s.cfg.ScaleUpMinROAS:
		pct := math.Min(scaleUpBand(actual), s.cfg.MaxDailyChangePct)
		newBudget := campaign.DailyBudgetUSD * (1 + pct)
		return s.budgetAction(campaign, domain.ActionScaleUp, pct, newBudget, result, confidence,
			fmt.Sprintf("actual ROAS %.2f above scale-up threshold %.2f", actual, s.cfg.ScaleUpMinROAS))
	}

	return nil
}

// scaleUpBand returns the desired pre-cap increase for an actual ROAS.
func scaleUpBand(actual float64) float64 {
	switch {
	case actual >= 5.0:
		return 1.00
	case actual >= 4.0:
		return 0.75
	case actual >= 3.5:
		return 0.50
	case actual >= 3.0:
		return 0.25
	default:
		return 0.10
	}
}

func (s *Service) budgetAction(campaign *domain.Campaign, t domain.ActionType, pct, newBudgetUSD float64, result *roas.Result, confidence float64, reason string) *domain.OptimizationAction {
	return &domain.OptimizationAction{
		Type:        t,
		TargetLevel: domain.LevelCampaign,
		TargetID:    campaign.ID,
		CampaignID:  campaign.ID,
		AmountPct:   pct,
		AmountUSD:   newBudgetUSD,
		Reason:      reason,
		Confidence:  confidence,
		ROASValue:   result.RawROAS,
		CreatedBy:   "autopilot",
	}
}

// onCooldown reports whether the target already has a live same-type
// action in flight, or had one executed inside the cooldown window. At
// most one non-terminal action may exist per (target, type): without the
// in-flight check, suggest mode would enqueue an identical suggestion on
// every tick.
func (s *Service) onCooldown(ctx context.Context, candidate *domain.OptimizationAction) (bool, string) {
	now := s.now()

	for _, status := range []domain.ActionStatus{domain.StatusSuggested, domain.StatusPending, domain.StatusExecuting} {
		live, err := s.store.Actions().List(ctx, store.ActionFilter{
			Status:   status,
			Type:     candidate.Type,
			TargetID: candidate.TargetID,
		})
		if err != nil {
			log.Warn().Err(err).Str("target", candidate.TargetID).Msg("Duplicate-action lookup failed, suppressing candidate")
			return true, "duplicate-action lookup failed"
		}
		for _, a := range live {
			if a.Expired(now) {
				continue
			}
			return true, fmt.Sprintf("%s action %s already %s for target", candidate.Type, a.ActionID, a.Status)
		}
	}

	last, err := s.store.Actions().LastExecutedAt(ctx, candidate.TargetID, candidate.Type)
	if err != nil {
		log.Warn().Err(err).Str("target", candidate.TargetID).Msg("Cooldown lookup failed, suppressing candidate")
		return true, "cooldown lookup failed"
	}
	if last == nil {
		return false, ""
	}
	since := now.Sub(*last)
	if since < s.cfg.CooldownWindow {
		return true, fmt.Sprintf("%s executed %.1fh ago, cooldown is %.0fh", candidate.Type, since.Hours(), s.cfg.CooldownWindow.Hours())
	}
	return false, ""
}

// deriveReallocation proposes moving budget from the weakest ads to the
// strongest when the campaign has enough measured ads and the spread
// between best and worst is wide enough.
func (s *Service) deriveReallocation(ctx context.Context, campaign *domain.Campaign, confidence float64) (*domain.OptimizationAction, error) {
	all, err := s.store.Metrics().ListCampaignMetrics(ctx, campaign.ID)
	if err != nil {
		return nil, err
	}
	records := all[:0]
	for _, r := range all {
		if r.Scope.Level() == domain.LevelAd {
			records = append(records, r)
		}
	}
	if len(records) < s.cfg.ReallocateMinAds {
		return nil, nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].SmoothedROAS > records[j].SmoothedROAS
	})

	best := records[0]
	worst := records[len(records)-1]
	if worst.SmoothedROAS <= 0 || best.SmoothedROAS/worst.SmoothedROAS < s.cfg.ReallocateThreshold {
		return nil, nil
	}

	var mean float64
	adIDs := make([]string, 0, len(records))
	for _, r := range records {
		mean += r.SmoothedROAS
		adIDs = append(adIDs, r.Scope.AdID)
	}
	mean /= float64(len(records))

	var moves []domain.ReallocationMove
	for i := len(records) - 1; i > 0; i-- {
		if records[i].SmoothedROAS >= mean {
			break
		}
		moves = append(moves, domain.ReallocationMove{
			FromAdID: records[i].Scope.AdID,
			ToAdID:   best.Scope.AdID,
			Pct:      0.10,
		})
	}
	if len(moves) == 0 {
		return nil, nil
	}

	if cooled, _ := s.onCooldown(ctx, &domain.OptimizationAction{TargetID: campaign.ID, Type: domain.ActionReallocate}); cooled {
		return nil, nil
	}

	return &domain.OptimizationAction{
		Type:        domain.ActionReallocate,
		TargetLevel: domain.LevelCampaign,
		TargetID:    campaign.ID,
		CampaignID:  campaign.ID,
		Reason: fmt.Sprintf("ROAS spread %.2fx across %d ads (best %.2f, worst %.2f)",
			best.SmoothedROAS/worst.SmoothedROAS, len(records), best.SmoothedROAS, worst.SmoothedROAS),
		Confidence:   confidence,
		ROASValue:    mean,
		CreatedBy:    "autopilot",
		Reallocation: &domain.ReallocationPlan{Moves: moves, AdIDs: adIDs},
	}, nil
}

// filterCandidates drops candidates below the confidence floor or past
// the change cap, and clamps the list to the per-campaign maximum. The
// confidence floor applies to every candidate; only the magnitude check
// exempts pause, whose -100% is the whole point.
func (s *Service) filterCandidates(candidates []domain.OptimizationAction) []domain.OptimizationAction {
	out := candidates[:0]
	for _, c := range candidates {
		if c.Confidence < s.cfg.MinConfidence {
			log.Debug().Str("type", string(c.Type)).Float64("confidence", c.Confidence).Msg("Candidate below confidence floor")
			continue
		}
		if c.Type != domain.ActionPause && math.Abs(c.AmountPct) > s.cfg.MaxDailyChangePct {
			log.Debug().Str("type", string(c.Type)).Float64("amount_pct", c.AmountPct).Msg("Candidate past change cap")
			continue
		}
		out = append(out, c)
	}
	if len(out) > s.cfg.MaxActionsPerCampaign {
		out = out[:s.cfg.MaxActionsPerCampaign]
	}
	return out
}

// confidenceFor scores the evidence behind a calculator result. Sample
// coverage toward 30 conversions dominates; outlier results are halved.
func confidenceFor(result *roas.Result) float64 {
	confidence := math.Min(float64(result.SampleSize)/30.0, 1.0)
	if result.IsOutlier {
		confidence *= 0.5
	}
	return confidence
}

// persistMetrics records the day's figures for the campaign scope.
// Duplicate days are expected on re-evaluation and ignored.
func (s *Service) persistMetrics(ctx context.Context, campaign *domain.Campaign, result *roas.Result, predicted, confidence float64, candidates []domain.OptimizationAction, now time.Time) error {
	record := &domain.ROASMetricsRecord{
		ID:                     uuid.New().String(),
		Scope:                  domain.Scope{CampaignID: campaign.ID},
		Date:                   now.Truncate(24 * time.Hour),
		ActualROAS:             result.RawROAS,
		SmoothedROAS:           result.SmoothedROAS,
		PredictedROAS:          predicted,
		ConfidenceScore:        confidence,
		ConfidenceIntervalLow:  result.ConfidenceIntervalLow,
		ConfidenceIntervalHigh: result.ConfidenceIntervalHigh,
		SampleSize:             result.SampleSize,
		SpendUSD:               result.SpendUSD,
		Impressions:            result.Impressions,
		IsOutlier:              result.IsOutlier,
		OutlierReason:          result.OutlierReason,
		PerformanceTier:        roas.TierFor(result.SmoothedROAS),
		CreatedAt:              now,
	}
	if len(candidates) > 0 {
		record.Recommendation = string(candidates[0].Type)
		record.RecommendedBudgetChgPct = candidates[0].AmountPct
	}

	err := s.store.Metrics().CreateOnce(ctx, record)
	if errors.Is(err, store.ErrDuplicateMetrics) {
		return nil
	}
	return err
}
