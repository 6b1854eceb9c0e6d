package roas

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
)

// Interfaces for dependency injection and testing
type OutcomeReader interface {
	ListOutcomes(ctx context.Context, scope domain.Scope, tr domain.TimeRange) ([]domain.ConversionOutcome, error)
}

type PerformanceReader interface {
	GetPerformance(ctx context.Context, scope domain.Scope, tr domain.TimeRange) (*domain.PerformanceWindow, error)
}

// Result is the full calculator output for one scope and window.
type Result struct {
	Scope                  domain.Scope `json:"scope"`
	Window                 domain.TimeRange `json:"window"`
	TotalRevenueUSD        float64      `json:"total_revenue_usd"`
	SpendUSD               float64      `json:"spend_usd"`
	RawROAS                float64      `json:"raw_roas"`
	SmoothedROAS           float64      `json:"smoothed_roas"`
	ConfidenceIntervalLow  float64      `json:"confidence_interval_low"`
	ConfidenceIntervalHigh float64      `json:"confidence_interval_high"`
	ConversionRate         float64      `json:"conversion_rate"`
	SampleSize             int          `json:"sample_size"`
	Clicks                 int64        `json:"clicks"`
	Impressions            int64        `json:"impressions"`
	IsOutlier              bool         `json:"is_outlier"`
	OutlierReason          string       `json:"outlier_reason,omitempty"`
}

// Calculator turns raw spend and conversion rows into a smoothed,
// confidence-bounded ROAS figure. Read-only; no side effects.
type Calculator struct {
	outcomes OutcomeReader
	perf     PerformanceReader
	cfg      config.ROASConfig
	now      func() time.Time
	rng      *rand.Rand
}

// NewCalculator creates a calculator against the given data sources.
func NewCalculator(outcomes OutcomeReader, perf PerformanceReader, cfg config.ROASConfig) *Calculator {
	return &Calculator{
		outcomes: outcomes,
		perf:     perf,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock overrides the clock, for tests.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// WithSeed makes the bootstrap deterministic, for tests.
func (c *Calculator) WithSeed(seed int64) *Calculator {
	c.rng = rand.New(rand.NewSource(seed))
	return c
}

// Calculate computes the smoothed ROAS for one scope over a window.
// A zero window defaults to the trailing DefaultWindowDays.
func (c *Calculator) Calculate(ctx context.Context, scope domain.Scope, window domain.TimeRange) (*Result, error) {
	if scope.IsZero() {
		return nil, fmt.Errorf("scope requires at least one of ad/ad-set/campaign id")
	}
	if window.From.IsZero() && window.To.IsZero() {
		now := c.now()
		window = domain.TimeRange{From: now.AddDate(0, 0, -c.cfg.DefaultWindowDays), To: now}
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	outcomes, err := c.outcomes.ListOutcomes(ctx, scope, window)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	perf, err := c.perf.GetPerformance(ctx, scope, window)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch performance window: %w", err)
	}

	var revenue float64
	values := make([]float64, 0, len(outcomes))
	for _, o := range outcomes {
		revenue += o.ValueUSD * o.AttributionWeight
		values = append(values, o.ValueUSD*o.AttributionWeight)
	}

	spend := perf.SpendUSD
	conversions := len(outcomes)

	rawROAS := 0.0
	if spend > 0 {
		rawROAS = revenue / spend
	}

	smoothed := c.smooth(rawROAS, conversions)

	ciLow, ciHigh, err := c.bootstrapCI(ctx, values, spend)
	if err != nil {
		return nil, err
	}

	convRate := 0.0
	if perf.Clicks > 0 {
		convRate = float64(conversions) / float64(perf.Clicks)
	}

	isOutlier, reason := classifyOutlier(rawROAS, spend, conversions)

	res := &Result{
		Scope:                  scope,
		Window:                 window,
		TotalRevenueUSD:        revenue,
		SpendUSD:               spend,
		RawROAS:                rawROAS,
		SmoothedROAS:           smoothed,
		ConfidenceIntervalLow:  ciLow,
		ConfidenceIntervalHigh: ciHigh,
		ConversionRate:         convRate,
		SampleSize:             conversions,
		Clicks:                 perf.Clicks,
		Impressions:            perf.Impressions,
		IsOutlier:              isOutlier,
		OutlierReason:          reason,
	}

	log.Debug().
		Str("target", scope.TargetID()).
		Float64("raw_roas", rawROAS).
		Float64("smoothed_roas", smoothed).
		Int("sample_size", conversions).
		Bool("outlier", isOutlier).
		Msg("ROAS calculated")

	return res, nil
}

// smooth applies the Bayesian shrinkage toward the prior. With zero
// conversions the result is exactly the prior; at or beyond the minimum
// sample size it is exactly the raw value.
func (c *Calculator) smooth(rawROAS float64, conversions int) float64 {
	dataWeight := math.Min(float64(conversions)/float64(c.cfg.MinSampleSize), 1.0)
	priorWeight := c.cfg.PriorWeightBase * (1.0 - dataWeight)
	if dataWeight == 0 {
		return c.cfg.DefaultPriorROAS
	}
	return (priorWeight*c.cfg.DefaultPriorROAS + dataWeight*rawROAS) / (priorWeight + dataWeight)
}

// bootstrapCI resamples conversion values with replacement and returns the
// 2.5th/97.5th percentiles of resampled ROAS. Fewer than 3 conversions or
// zero spend yields (0, 0). The loop checks ctx between batches so a
// cancelled evaluation does not burn the full resample budget.
func (c *Calculator) bootstrapCI(ctx context.Context, values []float64, spend float64) (float64, float64, error) {
	if len(values) < 3 || spend <= 0 {
		return 0, 0, nil
	}

	const batch = 100
	samples := make([]float64, 0, c.cfg.BootstrapResamples)
	for i := 0; i < c.cfg.BootstrapResamples; i++ {
		if i%batch == 0 {
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			default:
			}
		}
		var sum float64
		for range values {
			sum += values[c.rng.Intn(len(values))]
		}
		samples = append(samples, sum/spend)
	}

	sort.Float64s(samples)
	low := percentile(samples, 0.025)
	high := percentile(samples, 0.975)
	if low > high {
		low, high = high, low
	}
	return low, high, nil
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// outlierRule is one predicate→reason pair in the detection chain.
type outlierRule struct {
	match  func(roas, spend float64, conversions int) bool
	reason string
}

// outlierRules is evaluated strictly in order; the first match wins.
// The ordering is an invariant, not an accident of code layout.
var outlierRules = []outlierRule{
	{func(r, s float64, n int) bool { return r > 50 }, "extremely high roas"},
	{func(r, s float64, n int) bool { return r < 0 }, "negative roas"},
	{func(r, s float64, n int) bool { return s < 10 && r > 10 }, "low spend with high roas"},
	{func(r, s float64, n int) bool { return n < 3 && r > 5 }, "too few conversions for roas"},
}

func classifyOutlier(roas, spend float64, conversions int) (bool, string) {
	for _, rule := range outlierRules {
		if rule.match(roas, spend, conversions) {
			return true, rule.reason
		}
	}
	return false, ""
}

// TierFor buckets a smoothed ROAS for reporting.
func TierFor(smoothed float64) domain.PerformanceTier {
	switch {
	case smoothed >= 4.0:
		return domain.TierExcellent
	case smoothed >= 2.5:
		return domain.TierGood
	case smoothed >= 1.5:
		return domain.TierAcceptable
	case smoothed >= 0.8:
		return domain.TierUnderperform
	default:
		return domain.TierCritical
	}
}
