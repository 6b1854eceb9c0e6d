package roas

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/domain"
)

// timeDecayHalfLifeDays is the half-life of conversion credit under the
// time-decay model.
const timeDecayHalfLifeDays = 7.0

// ApplyAttribution reweights a set of conversion outcomes under the chosen
// model, rewriting AttributionWeight/AttributionModel on each outcome in
// place. The slice is returned for chaining.
//
// An unknown model passes the outcomes through unchanged. The upstream
// system behaves the same way; the warn log keeps the permissiveness
// visible.
func ApplyAttribution(outcomes []domain.ConversionOutcome, model domain.AttributionModel) []domain.ConversionOutcome {
	if len(outcomes) == 0 {
		return outcomes
	}

	switch model {
	case domain.AttributionLastClick, domain.AttributionFirstClick:
		// Touchpoint selection happens upstream; at this layer every
		// surviving outcome carries full credit.
		for i := range outcomes {
			outcomes[i].AttributionWeight = 1.0
			outcomes[i].AttributionModel = model
		}
	case domain.AttributionLinear:
		w := 1.0 / float64(len(outcomes))
		for i := range outcomes {
			outcomes[i].AttributionWeight = w
			outcomes[i].AttributionModel = model
		}
	case domain.AttributionTimeDecay:
		applyTimeDecay(outcomes)
	default:
		log.Warn().Str("model", string(model)).Msg("Unknown attribution model, outcomes passed through unchanged")
	}

	return outcomes
}

// applyTimeDecay weights each outcome by exp(-ln2/halfLife * daysAgo)
// relative to the newest outcome in the set, then normalizes the weights
// to sum to 1.
func applyTimeDecay(outcomes []domain.ConversionOutcome) {
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].EventTimestamp.Before(outcomes[j].EventTimestamp)
	})

	latest := outcomes[len(outcomes)-1].EventTimestamp
	decayConstant := math.Ln2 / timeDecayHalfLifeDays

	raw := make([]float64, len(outcomes))
	var total float64
	for i, o := range outcomes {
		daysAgo := latest.Sub(o.EventTimestamp).Hours() / 24.0
		raw[i] = math.Exp(-decayConstant * daysAgo)
		total += raw[i]
	}

	for i := range outcomes {
		outcomes[i].AttributionWeight = raw[i] / total
		outcomes[i].AttributionModel = domain.AttributionTimeDecay
	}
}
