package predict

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
)

// MetricsReader pulls persisted ROAS history, newest first.
type MetricsReader interface {
	ListMetrics(ctx context.Context, scope domain.Scope, limit int) ([]domain.ROASMetricsRecord, error)
}

// Forecast is the output of PredictROAS.
type Forecast struct {
	PredictedROAS    float64 `json:"predicted_roas"`
	Confidence       float64 `json:"confidence"`
	HistoricalPoints int     `json:"historical_points"`
	Trend            string  `json:"trend,omitempty"`
}

// Probability is a Beta-Binomial posterior over conversion rate.
type Probability struct {
	Probability float64 `json:"probability"`
	CILow       float64 `json:"ci_low"`
	CIHigh      float64 `json:"ci_high"`
}

// ExpectedValue is the per-click economics of a scope.
type ExpectedValue struct {
	ExpectedValue   float64 `json:"expected_value"`
	ExpectedRevenue float64 `json:"expected_revenue"`
	BreakevenRate   float64 `json:"breakeven_rate"`
	IsProfitable    bool    `json:"is_profitable"`
}

// Engine forecasts future ROAS and conversion economics from history.
type Engine struct {
	metrics MetricsReader
	cfg     config.PredictConfig
}

// NewEngine creates a prediction engine against the metrics store.
func NewEngine(metrics MetricsReader, cfg config.PredictConfig) *Engine {
	return &Engine{metrics: metrics, cfg: cfg}
}

// PredictROAS forecasts ROAS from up to lookback days of history via an
// exponential moving average seeded with the oldest value and folded
// toward the newest. With no history the forecast is the calculator's
// prior at zero confidence.
func (e *Engine) PredictROAS(ctx context.Context, scope domain.Scope, lookbackDays int) (*Forecast, error) {
	if lookbackDays <= 0 {
		lookbackDays = e.cfg.LookbackDays
	}

	records, err := e.metrics.ListMetrics(ctx, scope, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics history: %w", err)
	}
	if len(records) == 0 {
		return &Forecast{PredictedROAS: 2.0, Confidence: 0.0, HistoricalPoints: 0}, nil
	}

	// Records arrive newest-first; walk from the oldest forward.
	oldest := records[len(records)-1]
	newest := records[0]

	ema := oldest.ActualROAS
	for i := len(records) - 2; i >= 0; i-- {
		ema = e.cfg.EMAAlpha*records[i].ActualROAS + (1.0-e.cfg.EMAAlpha)*ema
	}

	trend := "decreasing"
	if newest.ActualROAS > oldest.ActualROAS {
		trend = "increasing"
	}

	f := &Forecast{
		PredictedROAS:    ema,
		Confidence:       math.Min(float64(len(records))/30.0, 1.0),
		HistoricalPoints: len(records),
		Trend:            trend,
	}

	log.Debug().
		Str("target", scope.TargetID()).
		Float64("predicted_roas", f.PredictedROAS).
		Float64("confidence", f.Confidence).
		Str("trend", trend).
		Msg("ROAS forecast computed")

	return f, nil
}

// ConversionProbability runs the Beta-Binomial conjugate update and
// returns the posterior mean with a 95% credible interval. Zero clicks
// yields all zeros.
func (e *Engine) ConversionProbability(clicks, conversions int64) Probability {
	if clicks <= 0 {
		return Probability{}
	}

	alpha := e.cfg.PriorAlpha + float64(conversions)
	beta := e.cfg.PriorBeta + float64(clicks-conversions)

	return Probability{
		Probability: alpha / (alpha + beta),
		CILow:       betaQuantile(0.025, alpha, beta),
		CIHigh:      betaQuantile(0.975, alpha, beta),
	}
}

// ComputeExpectedValue derives per-click economics from a conversion
// probability, an average order value, and a cost per click.
func (e *Engine) ComputeExpectedValue(conversionProbability, avgOrderValue, costPerClick float64) ExpectedValue {
	expectedRevenue := conversionProbability * avgOrderValue
	expectedValue := expectedRevenue - costPerClick

	breakeven := 0.0
	if avgOrderValue > 0 {
		breakeven = costPerClick / avgOrderValue
	}

	return ExpectedValue{
		ExpectedValue:   expectedValue,
		ExpectedRevenue: expectedRevenue,
		BreakevenRate:   breakeven,
		IsProfitable:    expectedValue > 0,
	}
}
