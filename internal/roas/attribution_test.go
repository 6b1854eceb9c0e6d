package roas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/adverve/roaspilot/internal/domain"
)

func decayedOutcomes(daysAgo ...float64) []domain.ConversionOutcome {
	latest := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	out := make([]domain.ConversionOutcome, len(daysAgo))
	for i, d := range daysAgo {
		out[i] = domain.ConversionOutcome{
			ID:             "conv-" + string(rune('a'+i)),
			ValueUSD:       100,
			EventTimestamp: latest.Add(-time.Duration(d*24) * time.Hour),
		}
	}
	return out
}

func TestLastClickAssignsFullWeight(t *testing.T) {
	out := ApplyAttribution(decayedOutcomes(0, 1, 2), domain.AttributionLastClick)
	for _, o := range out {
		assert.Equal(t, 1.0, o.AttributionWeight)
		assert.Equal(t, domain.AttributionLastClick, o.AttributionModel)
	}
}

func TestFirstClickAssignsFullWeight(t *testing.T) {
	out := ApplyAttribution(decayedOutcomes(0, 3), domain.AttributionFirstClick)
	for _, o := range out {
		assert.Equal(t, 1.0, o.AttributionWeight)
	}
}

func TestLinearSplitsEvenly(t *testing.T) {
	out := ApplyAttribution(decayedOutcomes(0, 1, 2, 3), domain.AttributionLinear)
	for _, o := range out {
		assert.InDelta(t, 0.25, o.AttributionWeight, 1e-12)
	}
}

func TestTimeDecayWeightsSumToOne(t *testing.T) {
	out := ApplyAttribution(decayedOutcomes(0, 4, 9), domain.AttributionTimeDecay)

	var sum float64
	for _, o := range out {
		sum += o.AttributionWeight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestTimeDecayNewestCarriesLargestWeight(t *testing.T) {
	out := ApplyAttribution(decayedOutcomes(6, 0, 3), domain.AttributionTimeDecay)

	// ApplyAttribution sorts ascending, so the last element is newest.
	newest := out[len(out)-1]
	for _, o := range out[:len(out)-1] {
		assert.Greater(t, newest.AttributionWeight, o.AttributionWeight)
		assert.True(t, newest.EventTimestamp.After(o.EventTimestamp))
	}
}

func TestTimeDecaySingleOutcomeGetsFullWeight(t *testing.T) {
	out := ApplyAttribution(decayedOutcomes(2), domain.AttributionTimeDecay)
	assert.InDelta(t, 1.0, out[0].AttributionWeight, 1e-12)
}

func TestUnknownModelPassesThroughUnchanged(t *testing.T) {
	in := decayedOutcomes(0, 1)
	in[0].AttributionWeight = 0.42
	in[1].AttributionWeight = 0.58

	out := ApplyAttribution(in, domain.AttributionModel("position_based"))

	assert.Equal(t, 0.42, out[0].AttributionWeight)
	assert.Equal(t, 0.58, out[1].AttributionWeight)
}

func TestEmptySetIsNoop(t *testing.T) {
	out := ApplyAttribution(nil, domain.AttributionLinear)
	assert.Empty(t, out)
}
