package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/gateway"
	"github.com/adverve/roaspilot/internal/ledger"
	"github.com/adverve/roaspilot/internal/optimize"
	"github.com/adverve/roaspilot/internal/policy"
	"github.com/adverve/roaspilot/internal/predict"
	"github.com/adverve/roaspilot/internal/roas"
	"github.com/adverve/roaspilot/internal/safety"
	"github.com/adverve/roaspilot/internal/store"
	"github.com/adverve/roaspilot/internal/store/memory"
)

var frozenNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return frozenNow }

type fixture struct {
	worker   *Worker
	store    *memory.Store
	platform *gateway.Fake
	audit    *ledger.Memory
}

func newFixture(t *testing.T, mode config.Mode) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = mode

	st := memory.New()
	platform := gateway.NewFake()
	audit := ledger.NewMemory()

	calc := roas.NewCalculator(st.Outcomes(), st.Performance(), cfg.ROAS).
		WithClock(clock).WithSeed(42)
	forecaster := predict.NewEngine(st.Metrics(), cfg.Predict)
	service := optimize.NewService(st, platform, calc, forecaster, audit, cfg.Optimize).WithClock(clock)

	pol := policy.NewEngine(cfg.Policy).WithClock(clock)
	saf := safety.NewEngine(cfg.Safety).WithClock(clock)

	worker := New(cfg, service, platform, st.Actions(), pol, saf, nil).WithClock(clock)
	return &fixture{worker: worker, store: st, platform: platform, audit: audit}
}

// seedCampaign creates an aged ACTIVE campaign whose trailing-week data
// yields the given raw ROAS figures.
func seedCampaign(f *fixture, id string, budgetUSD float64, conversions int, valueUSD, spendUSD float64) {
	f.platform.Campaigns[id] = &domain.Campaign{
		ID:             id,
		Status:         domain.CampaignActive,
		DailyBudgetUSD: budgetUSD,
		CreatedAt:      frozenNow.Add(-72 * time.Hour),
	}
	for i := 0; i < conversions; i++ {
		f.store.SeedOutcomes(domain.ConversionOutcome{
			ID:                fmt.Sprintf("%s-conv-%d", id, i),
			Scope:             domain.Scope{CampaignID: id},
			ValueUSD:          valueUSD,
			EventTimestamp:    frozenNow.Add(-time.Duration(i+1) * time.Hour),
			AttributionWeight: 1.0,
		})
	}
	f.store.SeedPerformance(domain.PerformanceWindow{
		Scope:       domain.Scope{CampaignID: id},
		DateStart:   frozenNow.AddDate(0, 0, -6),
		DateEnd:     frozenNow.Add(-time.Minute),
		Impressions: 50000,
		Clicks:      2000,
		SpendUSD:    spendUSD,
	})
}

func TestTickSuggestModeQueuesWithoutExecuting(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	// Raw ROAS 6.0 at full sample: a capped +20% scale-up.
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.CampaignsEvaluated)
	assert.Equal(t, 1, stats.ActionsSuggested)
	assert.Equal(t, 0, stats.ActionsExecuted)
	assert.Empty(t, f.platform.MutationOps())

	pending, err := f.store.Actions().List(context.Background(), listFilter(domain.StatusSuggested))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ActionScaleUp, pending[0].Type)
	assert.InDelta(t, 0.20, pending[0].AmountPct, 1e-9)
}

func TestTickAutoModePauseExecutesImmediately(t *testing.T) {
	f := newFixture(t, config.ModeAuto)
	// Raw ROAS 0.35: a pause, which is always auto-safe.
	seedCampaign(f, "cmp-1", 100, 35, 2, 200)

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ActionsSuggested)
	assert.Equal(t, 1, stats.ActionsExecuted)
	assert.Equal(t, []string{"pause"}, f.platform.MutationOps())
	assert.Equal(t, domain.CampaignPaused, f.platform.Campaigns["cmp-1"].Status)

	executed, err := f.store.Actions().List(context.Background(), listFilter(domain.StatusExecuted))
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.Equal(t, "autopilot", executed[0].ExecutedBy)
}

func TestTickAutoModeLargeScaleUpStaysQueued(t *testing.T) {
	f := newFixture(t, config.ModeAuto)
	// The +20% step exceeds the 10% auto cap, so the action waits for a
	// human even in auto mode.
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ActionsSuggested)
	assert.Equal(t, 0, stats.ActionsExecuted)
	assert.Empty(t, f.platform.MutationOps())
}

func TestTickSkipsYoungCampaign(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)
	f.platform.Campaigns["cmp-1"].CreatedAt = frozenNow.Add(-12 * time.Hour)

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.CampaignsEvaluated)
	assert.Equal(t, 1, stats.CampaignsSkipped)
	assert.Equal(t, 0, stats.ActionsSuggested)
}

func TestTickOverspendBlocksScaleUp(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)
	f.platform.Spend["cmp-1"] = 1000 // already at the daily cap

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ActionsBlocked)
	assert.Equal(t, 0, stats.ActionsSuggested)
}

func TestTickGeoImbalanceBlocksScaleUp(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)
	f.platform.Geo["cmp-1"] = map[string]float64{"US": 0.20, "DE": 0.80}

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ActionsBlocked)
	assert.Equal(t, 0, stats.ActionsSuggested)
}

func TestTickUnapprovedCreativeBlocks(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)
	f.platform.Creatives["cmp-1"] = &domain.CreativeMetadata{
		CreativeID:      "cr-1",
		IsHumanApproved: false,
		LastChangedAt:   frozenNow.Add(-100 * time.Hour),
	}

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ActionsBlocked)
	assert.Equal(t, 0, stats.ActionsSuggested)
}

func TestTickRespectsActionBudget(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	f.worker.cfg.Worker.MaxActionsPerTick = 1
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)
	seedCampaign(f, "cmp-2", 100, 40, 30, 250)

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ActionsSuggested)
}

func TestTickRespectsCampaignBudget(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	f.worker.cfg.Worker.MaxCampaignsPerTick = 1
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)
	seedCampaign(f, "cmp-2", 100, 40, 30, 250)

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.CampaignsEvaluated+stats.CampaignsSkipped)
}

func TestTickDoesNotDuplicateLiveSuggestion(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.ActionsSuggested)

	// The suggestion is still live on the next tick, so the same
	// (target, type) candidate is suppressed instead of queued again.
	stats, err = f.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActionsSuggested)

	suggested, err := f.store.Actions().List(context.Background(), listFilter(domain.StatusSuggested))
	require.NoError(t, err)
	assert.Len(t, suggested, 1)
}

func TestTickIsolatesFailingCampaign(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	seedCampaign(f, "cmp-bad", 100, 40, 30, 200)
	seedCampaign(f, "cmp-good", 100, 40, 30, 200)
	f.platform.Broken["cmp-bad"] = true

	stats, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	// The broken campaign is counted as an error; the healthy one still
	// gets its suggestion.
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.CampaignsEvaluated)
	assert.Equal(t, 1, stats.ActionsSuggested)
}

func TestTickCancelledContextStopsPass(t *testing.T) {
	f := newFixture(t, config.ModeSuggest)
	seedCampaign(f, "cmp-1", 100, 40, 30, 200)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.worker.Tick(ctx)
	require.Error(t, err)
}

func listFilter(status domain.ActionStatus) store.ActionFilter {
	return store.ActionFilter{Status: status}
}
