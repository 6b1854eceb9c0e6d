package roas

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
)

type mockOutcomeReader struct {
	outcomes []domain.ConversionOutcome
	err      error
}

func (m *mockOutcomeReader) ListOutcomes(ctx context.Context, scope domain.Scope, tr domain.TimeRange) ([]domain.ConversionOutcome, error) {
	return m.outcomes, m.err
}

type mockPerfReader struct {
	window domain.PerformanceWindow
	err    error
}

func (m *mockPerfReader) GetPerformance(ctx context.Context, scope domain.Scope, tr domain.TimeRange) (*domain.PerformanceWindow, error) {
	if m.err != nil {
		return nil, m.err
	}
	w := m.window
	return &w, nil
}

func outcomesWorth(values ...float64) []domain.ConversionOutcome {
	out := make([]domain.ConversionOutcome, len(values))
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range values {
		out[i] = domain.ConversionOutcome{
			ID:                "conv-" + string(rune('a'+i)),
			ValueUSD:          v,
			EventTimestamp:    base.Add(time.Duration(i) * time.Hour),
			AttributionWeight: 1.0,
		}
	}
	return out
}

func newTestCalculator(outcomes []domain.ConversionOutcome, perf domain.PerformanceWindow) *Calculator {
	return NewCalculator(
		&mockOutcomeReader{outcomes: outcomes},
		&mockPerfReader{window: perf},
		config.Default().ROAS,
	).WithSeed(42)
}

func testScope() domain.Scope { return domain.Scope{CampaignID: "camp-1"} }

func testWindow() domain.TimeRange {
	return domain.TimeRange{
		From: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC),
	}
}

func TestCalculateZeroConversionsReturnsPriorExactly(t *testing.T) {
	calc := newTestCalculator(nil, domain.PerformanceWindow{SpendUSD: 500, Clicks: 100})

	res, err := calc.Calculate(context.Background(), testScope(), testWindow())
	require.NoError(t, err)

	assert.Equal(t, 2.0, res.SmoothedROAS)
	assert.Equal(t, 0.0, res.RawROAS)
	assert.Equal(t, 0, res.SampleSize)
	assert.Equal(t, 0.0, res.ConfidenceIntervalLow)
	assert.Equal(t, 0.0, res.ConfidenceIntervalHigh)
}

func TestCalculateFullSampleMatchesRawExactly(t *testing.T) {
	// 30 conversions at $40 on $300 spend: raw ROAS 4.0, fully data-weighted.
	values := make([]float64, 30)
	for i := range values {
		values[i] = 40
	}
	calc := newTestCalculator(outcomesWorth(values...), domain.PerformanceWindow{SpendUSD: 300, Clicks: 600})

	res, err := calc.Calculate(context.Background(), testScope(), testWindow())
	require.NoError(t, err)

	assert.InDelta(t, res.RawROAS, res.SmoothedROAS, 1e-12)
	assert.InDelta(t, 4.0, res.RawROAS, 1e-12)
	assert.Equal(t, 30, res.SampleSize)
}

func TestCalculatePartialSampleShrinksTowardPrior(t *testing.T) {
	// 6 conversions at $100 on $100 spend: raw 6.0, smoothed must land
	// strictly between prior (2.0) and raw.
	calc := newTestCalculator(outcomesWorth(100, 100, 100, 100, 100, 100),
		domain.PerformanceWindow{SpendUSD: 100, Clicks: 50})

	res, err := calc.Calculate(context.Background(), testScope(), testWindow())
	require.NoError(t, err)

	assert.Greater(t, res.SmoothedROAS, 2.0)
	assert.Less(t, res.SmoothedROAS, 6.0)
}

func TestBootstrapIntervalOrdering(t *testing.T) {
	calc := newTestCalculator(outcomesWorth(10, 20, 30, 40, 50, 60, 70, 80),
		domain.PerformanceWindow{SpendUSD: 120, Clicks: 400})

	res, err := calc.Calculate(context.Background(), testScope(), testWindow())
	require.NoError(t, err)

	assert.LessOrEqual(t, res.ConfidenceIntervalLow, res.ConfidenceIntervalHigh)
	assert.Greater(t, res.ConfidenceIntervalHigh, 0.0)
}

func TestBootstrapSkippedBelowThreeConversions(t *testing.T) {
	calc := newTestCalculator(outcomesWorth(50, 50), domain.PerformanceWindow{SpendUSD: 200, Clicks: 40})

	res, err := calc.Calculate(context.Background(), testScope(), testWindow())
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.ConfidenceIntervalLow)
	assert.Equal(t, 0.0, res.ConfidenceIntervalHigh)
}

func TestBootstrapSkippedOnZeroSpend(t *testing.T) {
	calc := newTestCalculator(outcomesWorth(50, 50, 50, 50), domain.PerformanceWindow{SpendUSD: 0, Clicks: 40})

	res, err := calc.Calculate(context.Background(), testScope(), testWindow())
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.RawROAS)
	assert.Equal(t, 0.0, res.ConfidenceIntervalLow)
	assert.Equal(t, 0.0, res.ConfidenceIntervalHigh)
}

func TestCalculateRejectsEmptyScope(t *testing.T) {
	calc := newTestCalculator(nil, domain.PerformanceWindow{})

	_, err := calc.Calculate(context.Background(), domain.Scope{}, testWindow())
	assert.Error(t, err)
}

func TestCalculateRejectsInvertedWindow(t *testing.T) {
	calc := newTestCalculator(nil, domain.PerformanceWindow{})
	w := testWindow()
	w.From, w.To = w.To, w.From

	_, err := calc.Calculate(context.Background(), testScope(), w)
	assert.Error(t, err)
}

func TestConversionRate(t *testing.T) {
	calc := newTestCalculator(outcomesWorth(10, 10, 10, 10), domain.PerformanceWindow{SpendUSD: 40, Clicks: 100})

	res, err := calc.Calculate(context.Background(), testScope(), testWindow())
	require.NoError(t, err)

	assert.InDelta(t, 0.04, res.ConversionRate, 1e-12)
}

func TestOutlierChainFirstMatchWins(t *testing.T) {
	tests := []struct {
		name        string
		roas        float64
		spend       float64
		conversions int
		wantOutlier bool
		wantReason  string
	}{
		{"extremely high wins over low spend", 60, 5, 2, true, "extremely high roas"},
		{"negative", -0.5, 100, 10, true, "negative roas"},
		{"low spend high roas", 12, 5, 10, true, "low spend with high roas"},
		{"too few conversions", 6, 100, 2, true, "too few conversions for roas"},
		{"healthy", 3, 100, 40, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOutlier, gotReason := classifyOutlier(tt.roas, tt.spend, tt.conversions)
			assert.Equal(t, tt.wantOutlier, gotOutlier)
			assert.Equal(t, tt.wantReason, gotReason)
		})
	}
}

func TestBootstrapHonorsCancelledContext(t *testing.T) {
	calc := newTestCalculator(outcomesWorth(10, 20, 30, 40, 50),
		domain.PerformanceWindow{SpendUSD: 100, Clicks: 100})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := calc.Calculate(ctx, testScope(), testWindow())
	assert.ErrorIs(t, err, context.Canceled)
}
