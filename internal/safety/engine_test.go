package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
)

var frozenNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return NewEngine(config.Default().Safety).WithClock(func() time.Time { return frozenNow })
}

func TestPreventOverspend(t *testing.T) {
	e := newTestEngine()

	assert.True(t, e.PreventOverspend(1000, 0).Blocked, "at cap")
	assert.True(t, e.PreventOverspend(1200, 10).Blocked, "over cap")
	assert.True(t, e.PreventOverspend(950, 100).Blocked, "increment crosses cap")
	assert.False(t, e.PreventOverspend(500, 100).Blocked)
}

func TestEnforceEmbargoPeriod(t *testing.T) {
	e := newTestEngine()

	young := e.EnforceEmbargoPeriod(frozenNow.Add(-24 * time.Hour))
	assert.True(t, young.Blocked)
	assert.Equal(t, ReasonEmbargo, young.Code)

	assert.False(t, e.EnforceEmbargoPeriod(frozenNow.Add(-72*time.Hour)).Blocked)
}

func TestBlockUnapprovedCreatives(t *testing.T) {
	e := newTestEngine()

	v := e.BlockUnapprovedCreatives(domain.CreativeMetadata{CreativeID: "cr1"})
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonCreativeUnapproved, v.Code)

	assert.False(t, e.BlockUnapprovedCreatives(domain.CreativeMetadata{CreativeID: "cr1", IsHumanApproved: true}).Blocked)
}

func TestBlockUnapprovedCreativesGlobalSkip(t *testing.T) {
	cfg := config.Default().Safety
	cfg.SkipCreativeApproval = true
	e := NewEngine(cfg)

	assert.False(t, e.BlockUnapprovedCreatives(domain.CreativeMetadata{CreativeID: "cr1"}).Blocked)
}

func TestCheckMinimumData(t *testing.T) {
	e := newTestEngine()

	assert.True(t, e.CheckMinimumData(500, 500).Blocked, "impressions below floor")
	assert.True(t, e.CheckMinimumData(5000, 50).Blocked, "spend below floor")
	assert.False(t, e.CheckMinimumData(5000, 500).Blocked)
}

func TestCheckActionRateLimit(t *testing.T) {
	e := newTestEngine()

	recent := frozenNow.Add(-6 * time.Hour)
	v := e.CheckActionRateLimit("camp-1", domain.ActionScaleUp, &recent)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonRateLimited, v.Code)

	old := frozenNow.Add(-25 * time.Hour)
	assert.False(t, e.CheckActionRateLimit("camp-1", domain.ActionScaleUp, &old).Blocked)
	assert.False(t, e.CheckActionRateLimit("camp-1", domain.ActionScaleUp, nil).Blocked)
}

func TestValidateROASConfidence(t *testing.T) {
	e := newTestEngine()

	// Negative ROAS blocks regardless of confidence.
	neg := e.ValidateROASConfidence(-0.1, 0.1)
	assert.True(t, neg.Blocked)
	assert.Equal(t, ReasonNegativeROAS, neg.Code)

	low := e.ValidateROASConfidence(0.4, 0.9)
	assert.True(t, low.Blocked)
	assert.Equal(t, ReasonLowROASHighConf, low.Code)

	assert.False(t, e.ValidateROASConfidence(0.4, 0.5).Blocked, "low roas but uncertain")
	assert.False(t, e.ValidateROASConfidence(2.0, 0.95).Blocked)
}

func healthyContext() domain.ActionContext {
	return domain.ActionContext{
		CurrentBudgetUSD:  100,
		ProposedBudgetUSD: 110,
		ROAS:              2.5,
		Confidence:        0.8,
		SpendUSD:          500,
		SpendTodayUSD:     200,
		Impressions:       5000,
		EntityCreatedAt:   frozenNow.Add(-72 * time.Hour),
	}
}

func TestValidateActionChainOrder(t *testing.T) {
	e := newTestEngine()
	action := &domain.OptimizationAction{ActionID: "a1", Type: domain.ActionScaleUp, TargetID: "camp-1"}

	// Embargo fires first even when later guards would also block.
	actx := healthyContext()
	actx.EntityCreatedAt = frozenNow.Add(-1 * time.Hour)
	actx.Impressions = 10
	v := e.ValidateAction(action, actx)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonEmbargo, v.Code)

	// With embargo satisfied, minimum data is next.
	actx.EntityCreatedAt = frozenNow.Add(-72 * time.Hour)
	v = e.ValidateAction(action, actx)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonInsufficientData, v.Code)
}

func TestValidateActionScaleUpOnlyGuards(t *testing.T) {
	e := newTestEngine()

	// A confidently-bad performer blocks scale_up through the roas guard...
	actx := healthyContext()
	actx.ROAS = 0.3
	actx.Confidence = 0.95
	up := &domain.OptimizationAction{ActionID: "a1", Type: domain.ActionScaleUp, TargetID: "camp-1"}
	v := e.ValidateAction(up, actx)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonLowROASHighConf, v.Code)

	// ...but the same context does not stop a pause.
	pause := &domain.OptimizationAction{ActionID: "a2", Type: domain.ActionPause, TargetID: "camp-1"}
	assert.False(t, e.ValidateAction(pause, actx).Blocked)
}

func TestValidateActionOverspendOnlyForScaleUp(t *testing.T) {
	e := newTestEngine()

	actx := healthyContext()
	actx.SpendTodayUSD = 990
	actx.ProposedBudgetUSD = 150

	up := &domain.OptimizationAction{ActionID: "a1", Type: domain.ActionScaleUp, TargetID: "camp-1"}
	v := e.ValidateAction(up, actx)
	assert.True(t, v.Blocked)
	assert.Equal(t, ReasonOverspend, v.Code)

	down := &domain.OptimizationAction{ActionID: "a2", Type: domain.ActionScaleDown, TargetID: "camp-1"}
	assert.False(t, e.ValidateAction(down, actx).Blocked)
}

func TestValidateActionCleanPass(t *testing.T) {
	e := newTestEngine()
	action := &domain.OptimizationAction{ActionID: "a1", Type: domain.ActionScaleUp, TargetID: "camp-1"}

	v := e.ValidateAction(action, healthyContext())
	assert.False(t, v.Blocked)
	assert.Empty(t, v.Reason)
}
