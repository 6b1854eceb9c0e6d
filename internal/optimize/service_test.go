package optimize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/gateway"
	"github.com/adverve/roaspilot/internal/ledger"
	"github.com/adverve/roaspilot/internal/predict"
	"github.com/adverve/roaspilot/internal/roas"
	"github.com/adverve/roaspilot/internal/store/memory"
)

var frozenNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return frozenNow }

type fixture struct {
	service  *Service
	store    *memory.Store
	platform *gateway.Fake
	audit    *ledger.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()

	st := memory.New()
	platform := gateway.NewFake()
	audit := ledger.NewMemory()

	calc := roas.NewCalculator(st.Outcomes(), st.Performance(), cfg.ROAS).
		WithClock(clock).WithSeed(42)
	forecaster := predict.NewEngine(st.Metrics(), cfg.Predict)

	service := NewService(st, platform, calc, forecaster, audit, cfg.Optimize).WithClock(clock)
	return &fixture{service: service, store: st, platform: platform, audit: audit}
}

func suggestScaleUp(t *testing.T, f *fixture) *domain.OptimizationAction {
	t.Helper()
	action, err := f.service.Enqueue(context.Background(), domain.OptimizationAction{
		Type:        domain.ActionScaleUp,
		TargetLevel: domain.LevelCampaign,
		TargetID:    "cmp-1",
		CampaignID:  "cmp-1",
		AmountPct:   0.20,
		AmountUSD:   120,
		Reason:      "strong performance",
		Confidence:  0.9,
		ROASValue:   4.2,
	})
	require.NoError(t, err)
	return action
}

func TestEnqueueAssignsLifecycleFields(t *testing.T) {
	f := newFixture(t)
	action := suggestScaleUp(t, f)

	assert.NotEmpty(t, action.ActionID)
	assert.Equal(t, domain.StatusSuggested, action.Status)
	assert.Equal(t, frozenNow, action.CreatedAt)
	assert.Equal(t, frozenNow.Add(48*time.Hour), action.ExpiresAt)
	assert.Equal(t, "autopilot", action.CreatedBy)

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventSuggested, events[0].Type)
	assert.Equal(t, action.ActionID, events[0].ActionID)
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Enqueue(context.Background(), domain.OptimizationAction{Type: "boost"})
	require.Error(t, err)
}

func TestApproveMovesSuggestionToPending(t *testing.T) {
	f := newFixture(t)
	action := suggestScaleUp(t, f)

	approved, err := f.service.Approve(context.Background(), action.ActionID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, approved.Status)
	assert.Equal(t, "ops@example.com", approved.ApprovedBy)
}

func TestApproveRejectsExpiredSuggestion(t *testing.T) {
	f := newFixture(t)
	action := suggestScaleUp(t, f)

	f.service.WithClock(func() time.Time { return frozenNow.Add(72 * time.Hour) })

	_, err := f.service.Approve(context.Background(), action.ActionID, "ops@example.com")
	require.ErrorIs(t, err, ErrActionExpired)
}

func TestExecuteScaleUpAppliesBudgetChange(t *testing.T) {
	f := newFixture(t)
	f.platform.Campaigns["cmp-1"] = &domain.Campaign{ID: "cmp-1", Status: domain.CampaignActive, DailyBudgetUSD: 100}
	action := suggestScaleUp(t, f)

	executed, err := f.service.Execute(context.Background(), action.ActionID, "worker", false)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusExecuted, executed.Status)
	assert.Equal(t, "worker", executed.ExecutedBy)
	require.NotNil(t, executed.ExecutedAt)
	assert.Equal(t, []string{"budget"}, f.platform.MutationOps())
	assert.Equal(t, 120.0, f.platform.Campaigns["cmp-1"].DailyBudgetUSD)

	events := f.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventExecuted, events[1].Type)
}

func TestExecutePlatformFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.platform.FailWith = errors.New("platform down")
	action := suggestScaleUp(t, f)

	failed, err := f.service.Execute(context.Background(), action.ActionID, "worker", false)
	require.Error(t, err)

	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Contains(t, failed.ExecutionError, "platform down")

	events := f.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventFailed, events[1].Type)
}

func TestExecuteDryRunLeavesActionUntouched(t *testing.T) {
	f := newFixture(t)
	action := suggestScaleUp(t, f)

	simulated, err := f.service.Execute(context.Background(), action.ActionID, "worker", true)
	require.NoError(t, err)

	// The caller sees the result the executor would have produced.
	assert.Contains(t, simulated.ExecutionResult, "dry-run")
	assert.Contains(t, simulated.ExecutionResult, "daily budget set to")

	stored, err := f.service.Get(context.Background(), action.ActionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuggested, stored.Status)
	assert.Empty(t, stored.ExecutionResult)
	assert.Empty(t, f.platform.MutationOps())
}

func TestExecuteRejectsTerminalAction(t *testing.T) {
	f := newFixture(t)
	action := suggestScaleUp(t, f)

	_, err := f.service.Cancel(context.Background(), action.ActionID, "ops")
	require.NoError(t, err)

	_, err = f.service.Execute(context.Background(), action.ActionID, "worker", false)
	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, domain.StatusCancelled, stateErr.Status)
}

func TestExecuteConcurrentCallersOneWinner(t *testing.T) {
	f := newFixture(t)
	f.platform.Campaigns["cmp-1"] = &domain.Campaign{ID: "cmp-1", Status: domain.CampaignActive, DailyBudgetUSD: 100}
	action := suggestScaleUp(t, f)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Execute(context.Background(), action.ActionID, "worker", false)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var stateErr *domain.InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		losses++
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, losses)
	assert.Equal(t, []string{"budget"}, f.platform.MutationOps())
}

func TestExecuteReallocateRequiresPlan(t *testing.T) {
	f := newFixture(t)
	action, err := f.service.Enqueue(context.Background(), domain.OptimizationAction{
		Type:        domain.ActionReallocate,
		TargetLevel: domain.LevelCampaign,
		TargetID:    "cmp-1",
		CampaignID:  "cmp-1",
	})
	require.NoError(t, err)

	failed, err := f.service.Execute(context.Background(), action.ActionID, "worker", false)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
}

func TestListPendingHidesExpiredSuggestions(t *testing.T) {
	f := newFixture(t)
	stale := suggestScaleUp(t, f)

	// The second suggestion arrives two days later; by then the first has
	// outlived its 48h deadline.
	later := frozenNow.Add(49 * time.Hour)
	f.service.WithClock(func() time.Time { return later })

	fresh, err := f.service.Enqueue(context.Background(), domain.OptimizationAction{
		Type:        domain.ActionScaleDown,
		TargetLevel: domain.LevelCampaign,
		TargetID:    "cmp-2",
		CampaignID:  "cmp-2",
	})
	require.NoError(t, err)

	pending, err := f.service.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ActionID, pending[0].ActionID)

	// The expired suggestion is hidden, not cancelled.
	stored, err := f.service.Get(context.Background(), stale.ActionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuggested, stored.Status)
}

func TestQueueStatsCountsExpired(t *testing.T) {
	f := newFixture(t)
	suggestScaleUp(t, f)

	f.service.WithClock(func() time.Time { return frozenNow.Add(72 * time.Hour) })
	stats, err := f.service.QueueStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.CountsByStatus[domain.StatusSuggested])
	assert.Equal(t, 1, stats.Expired)
}
