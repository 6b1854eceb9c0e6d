package safety

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
)

// ReasonCode labels which guardrail blocked an action.
type ReasonCode string

const (
	ReasonOverspend          ReasonCode = "OVERSPEND"
	ReasonEmbargo            ReasonCode = "EMBARGO"
	ReasonInsufficientData   ReasonCode = "INSUFFICIENT_DATA"
	ReasonRateLimited        ReasonCode = "RATE_LIMITED"
	ReasonLowROASHighConf    ReasonCode = "LOW_ROAS_HIGH_CONFIDENCE"
	ReasonNegativeROAS       ReasonCode = "NEGATIVE_ROAS"
	ReasonCreativeUnapproved ReasonCode = "CREATIVE_UNAPPROVED"
)

// Verdict is one guardrail outcome: blocked-or-not plus a reason string.
// Blocks are values, never errors.
type Verdict struct {
	Blocked bool       `json:"blocked"`
	Code    ReasonCode `json:"code,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// Pass is the non-blocking verdict.
func Pass() Verdict { return Verdict{} }

// Block builds a blocking verdict with a coded reason.
func Block(code ReasonCode, format string, args ...interface{}) Verdict {
	return Verdict{Blocked: true, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Engine enforces operational guardrails. It is independent of the policy
// engine; both must pass before an action moves (defense in depth).
// Stateless: every check is a pure function over its inputs.
type Engine struct {
	cfg config.SafetyConfig
	now func() time.Time
}

// NewEngine creates a safety engine with the given thresholds.
func NewEngine(cfg config.SafetyConfig) *Engine {
	return &Engine{cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// PreventOverspend blocks once today's spend has reached the daily cap or
// the proposed increment would cross it.
func (e *Engine) PreventOverspend(spendTodayUSD, proposedUSD float64) Verdict {
	cap := e.cfg.MaxDailySpendUSD
	if spendTodayUSD >= cap {
		return Block(ReasonOverspend, "spend today $%.2f already at daily cap $%.2f", spendTodayUSD, cap)
	}
	if spendTodayUSD+proposedUSD > cap {
		return Block(ReasonOverspend, "spend today $%.2f plus proposed $%.2f exceeds daily cap $%.2f", spendTodayUSD, proposedUSD, cap)
	}
	return Pass()
}

// EnforceEmbargoPeriod blocks entities younger than the minimum age.
func (e *Engine) EnforceEmbargoPeriod(createdAt time.Time) Verdict {
	age := e.now().Sub(createdAt)
	if age < e.cfg.MinAge {
		return Block(ReasonEmbargo, "entity age %.0fh below embargo %.0fh", age.Hours(), e.cfg.MinAge.Hours())
	}
	return Pass()
}

// BlockUnapprovedCreatives blocks unless the creative carries human
// approval; the global flag can disable the check entirely.
func (e *Engine) BlockUnapprovedCreatives(meta domain.CreativeMetadata) Verdict {
	if e.cfg.SkipCreativeApproval {
		return Pass()
	}
	if !meta.IsHumanApproved {
		return Block(ReasonCreativeUnapproved, "creative %s lacks human approval", meta.CreativeID)
	}
	return Pass()
}

// CheckMinimumData blocks decisions made on too little evidence.
func (e *Engine) CheckMinimumData(impressions int64, spendUSD float64) Verdict {
	if impressions < e.cfg.MinImpressions {
		return Block(ReasonInsufficientData, "%d impressions below minimum %d", impressions, e.cfg.MinImpressions)
	}
	if spendUSD < e.cfg.MinSpendUSD {
		return Block(ReasonInsufficientData, "spend $%.2f below minimum $%.2f", spendUSD, e.cfg.MinSpendUSD)
	}
	return Pass()
}

// CheckActionRateLimit blocks a same-type action inside the cooldown.
func (e *Engine) CheckActionRateLimit(targetID string, actionType domain.ActionType, lastActionAt *time.Time) Verdict {
	if lastActionAt == nil {
		return Pass()
	}
	since := e.now().Sub(*lastActionAt)
	if since < e.cfg.ActionCooldown {
		return Block(ReasonRateLimited, "%s on %s ran %.1fh ago, cooldown is %.0fh",
			actionType, targetID, since.Hours(), e.cfg.ActionCooldown.Hours())
	}
	return Pass()
}

// ValidateROASConfidence blocks confidently-bad performers. Negative ROAS
// is blocked unconditionally, whatever the confidence.
func (e *Engine) ValidateROASConfidence(roas, confidence float64) Verdict {
	if roas < 0 {
		return Block(ReasonNegativeROAS, "roas %.2f is negative", roas)
	}
	if roas < e.cfg.LowROASThreshold && confidence > e.cfg.LowROASConfidenceFloor {
		return Block(ReasonLowROASHighConf, "roas %.2f below %.2f at confidence %.2f", roas, e.cfg.LowROASThreshold, confidence)
	}
	return Pass()
}

// guard is one predicate in the validation chain.
type guard struct {
	name  string
	check func(action *domain.OptimizationAction, actx domain.ActionContext) Verdict
}

// ValidateAction runs the guardrail chain in its documented order,
// short-circuiting on the first block:
//
//	embargo → minimum-data → roas-confidence (scale_up only) →
//	rate-limit → overspend (scale_up only) → creative approval (when a
//	creative rides along)
//
// The ordering is an invariant; do not re-derive it from code layout.
func (e *Engine) ValidateAction(action *domain.OptimizationAction, actx domain.ActionContext) Verdict {
	chain := []guard{
		{"embargo", func(a *domain.OptimizationAction, c domain.ActionContext) Verdict {
			return e.EnforceEmbargoPeriod(c.EntityCreatedAt)
		}},
		{"minimum_data", func(a *domain.OptimizationAction, c domain.ActionContext) Verdict {
			return e.CheckMinimumData(c.Impressions, c.SpendUSD)
		}},
		{"roas_confidence", func(a *domain.OptimizationAction, c domain.ActionContext) Verdict {
			if a.Type != domain.ActionScaleUp {
				return Pass()
			}
			return e.ValidateROASConfidence(c.ROAS, c.Confidence)
		}},
		{"rate_limit", func(a *domain.OptimizationAction, c domain.ActionContext) Verdict {
			return e.CheckActionRateLimit(a.TargetID, a.Type, c.LastActionAt)
		}},
		{"overspend", func(a *domain.OptimizationAction, c domain.ActionContext) Verdict {
			if a.Type != domain.ActionScaleUp {
				return Pass()
			}
			proposed := c.ProposedBudgetUSD - c.CurrentBudgetUSD
			if proposed < 0 {
				proposed = 0
			}
			return e.PreventOverspend(c.SpendTodayUSD, proposed)
		}},
		{"creative_approval", func(a *domain.OptimizationAction, c domain.ActionContext) Verdict {
			if c.Creative == nil {
				return Pass()
			}
			return e.BlockUnapprovedCreatives(*c.Creative)
		}},
	}

	for _, g := range chain {
		if v := g.check(action, actx); v.Blocked {
			log.Debug().
				Str("action_id", action.ActionID).
				Str("type", string(action.Type)).
				Str("guard", g.name).
				Str("reason", v.Reason).
				Msg("Safety blocked action")
			return v
		}
	}
	return Pass()
}
