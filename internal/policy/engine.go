package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
)

// ReasonCode labels why an action was rejected, for stats and logs.
type ReasonCode string

const (
	ReasonBudgetNonPositive  ReasonCode = "BUDGET_NON_POSITIVE"
	ReasonChangeExceedsCap   ReasonCode = "CHANGE_EXCEEDS_CAP"
	ReasonBudgetCeiling      ReasonCode = "BUDGET_CEILING"
	ReasonHardStop           ReasonCode = "HARD_STOP"
	ReasonGeoEmpty           ReasonCode = "GEO_EMPTY"
	ReasonGeoHomeShareLow    ReasonCode = "GEO_HOME_SHARE_LOW"
	ReasonGeoConcentration   ReasonCode = "GEO_CONCENTRATION"
	ReasonGeoSharesUnbalanced ReasonCode = "GEO_SHARES_UNBALANCED"
	ReasonCreativeUnapproved ReasonCode = "CREATIVE_UNAPPROVED"
	ReasonCreativeEmbargo    ReasonCode = "CREATIVE_EMBARGO"
)

// Verdict is a guardrail outcome. A negative verdict is a first-class
// value carrying its reason, never an error.
type Verdict struct {
	Allowed bool       `json:"allowed"`
	Code    ReasonCode `json:"code,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Allow is the positive verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Deny builds a negative verdict with a coded reason.
func Deny(code ReasonCode, format string, args ...interface{}) Verdict {
	return Verdict{Allowed: false, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Engine validates candidate actions against business policy. It is
// stateless: every method is a pure function over its inputs and the
// immutable config captured at construction.
type Engine struct {
	cfg config.PolicyConfig
	now func() time.Time
}

// NewEngine creates a policy engine with the given thresholds.
func NewEngine(cfg config.PolicyConfig) *Engine {
	return &Engine{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CanScaleBudget checks a proposed budget move against the daily change
// cap. Automated callers get the tighter auto cap. Scaling to zero is a
// pause and is always allowed regardless of percentage.
func (e *Engine) CanScaleBudget(currentUSD, newUSD float64, isAuto bool) Verdict {
	if currentUSD <= 0 {
		return Deny(ReasonBudgetNonPositive, "current budget $%.2f is not positive", currentUSD)
	}
	if newUSD == 0 {
		return Allow()
	}

	pct := math.Abs(newUSD-currentUSD) / currentUSD
	cap := e.cfg.MaxDailyChangePct
	if isAuto {
		cap = e.cfg.MaxAutoChangePct
	}
	if pct > cap {
		return Deny(ReasonChangeExceedsCap, "budget change %.1f%% exceeds %.1f%% cap (auto=%t)", pct*100, cap*100, isAuto)
	}
	if newUSD > e.cfg.MaxCampaignBudgetUSD {
		return Deny(ReasonBudgetCeiling, "new budget $%.2f exceeds campaign ceiling $%.2f", newUSD, e.cfg.MaxCampaignBudgetUSD)
	}
	return Allow()
}

// MustHalt reports whether performance is bad enough, at high enough
// confidence, to trigger the emergency hard stop. Below the minimum spend
// there is not enough money at risk to act on.
func (e *Engine) MustHalt(roas, confidence, spendUSD float64) bool {
	if spendUSD < e.cfg.MinSpendUSD {
		return false
	}
	return roas < e.cfg.HardStopROAS && confidence >= e.cfg.HardStopConfidence
}

// ValidateGeoDistribution checks a country→share map. The home market
// must keep its minimum share when present; with more than one country no
// single market may dominate; shares must sum to one.
func (e *Engine) ValidateGeoDistribution(distribution map[string]float64) Verdict {
	if len(distribution) == 0 {
		return Deny(ReasonGeoEmpty, "geo distribution is empty")
	}

	if home, ok := distribution[e.cfg.HomeCountry]; ok && home < e.cfg.MinHomePct {
		return Deny(ReasonGeoHomeShareLow, "home market %s share %.0f%% below minimum %.0f%%",
			e.cfg.HomeCountry, home*100, e.cfg.MinHomePct*100)
	}

	var sum float64
	for country, share := range distribution {
		sum += share
		if len(distribution) > 1 && share > e.cfg.MaxSingleCountryPct {
			return Deny(ReasonGeoConcentration, "country %s share %.0f%% exceeds %.0f%% cap",
				country, share*100, e.cfg.MaxSingleCountryPct*100)
		}
	}
	if math.Abs(sum-1.0) > 0.01 {
		return Deny(ReasonGeoSharesUnbalanced, "shares sum to %.3f, want 1.000 ±0.010", sum)
	}
	return Allow()
}

// CanChangeCreative allows a creative swap only for human-approved
// creatives past the change embargo.
func (e *Engine) CanChangeCreative(meta domain.CreativeMetadata) Verdict {
	if !meta.IsHumanApproved {
		return Deny(ReasonCreativeUnapproved, "creative %s is not human approved", meta.CreativeID)
	}
	if age := e.now().Sub(meta.LastChangedAt); age < e.cfg.CreativeEmbargo {
		return Deny(ReasonCreativeEmbargo, "creative changed %.0fh ago, embargo is %.0fh",
			age.Hours(), e.cfg.CreativeEmbargo.Hours())
	}
	return Allow()
}

// ValidateAction routes an action to the relevant policy check. The
// switch is exhaustive over the action type union.
func (e *Engine) ValidateAction(action *domain.OptimizationAction, actx domain.ActionContext) Verdict {
	var v Verdict
	switch action.Type {
	case domain.ActionScaleUp, domain.ActionScaleDown:
		v = e.CanScaleBudget(actx.CurrentBudgetUSD, actx.ProposedBudgetUSD, actx.IsAuto)
	case domain.ActionPause:
		v = Allow()
	case domain.ActionResume:
		// Resuming something the hard stop would halt is self-defeating.
		if e.MustHalt(actx.ROAS, actx.Confidence, actx.SpendUSD) {
			v = Deny(ReasonHardStop, "roas %.2f below hard stop %.2f at confidence %.2f", actx.ROAS, e.cfg.HardStopROAS, actx.Confidence)
		} else {
			v = Allow()
		}
	case domain.ActionReallocate:
		v = Allow()
	default:
		v = Deny(ReasonCode("UNKNOWN_ACTION_TYPE"), "unknown action type %q", action.Type)
	}

	if !v.Allowed {
		log.Debug().
			Str("action_id", action.ActionID).
			Str("type", string(action.Type)).
			Str("code", string(v.Code)).
			Str("reason", v.Reason).
			Msg("Policy blocked action")
	}
	return v
}
