// Package memory provides a mutex-guarded in-memory store. It backs unit
// tests and single-process deployments; the CAS contract on action status
// matches the postgres implementation exactly.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/store"
)

// Store is the in-memory backend.
type Store struct {
	mu       sync.RWMutex
	actions  map[string]*domain.OptimizationAction
	metrics  []domain.ROASMetricsRecord
	outcomes []domain.ConversionOutcome
	windows  []domain.PerformanceWindow
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{actions: make(map[string]*domain.OptimizationAction)}
}

func (s *Store) Actions() store.ActionRepo          { return (*actionRepo)(s) }
func (s *Store) Metrics() store.MetricsRepo         { return (*metricsRepo)(s) }
func (s *Store) Outcomes() store.OutcomeRepo        { return (*outcomeRepo)(s) }
func (s *Store) Performance() store.PerformanceRepo { return (*perfRepo)(s) }

// SeedOutcomes loads conversion outcomes, for tests and demos.
func (s *Store) SeedOutcomes(outcomes ...domain.ConversionOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
}

// SeedPerformance loads performance windows.
func (s *Store) SeedPerformance(windows ...domain.PerformanceWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, windows...)
}

// SeedMetrics loads historical metrics records directly.
func (s *Store) SeedMetrics(records ...domain.ROASMetricsRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, records...)
}

type actionRepo Store

func (r *actionRepo) Insert(ctx context.Context, action *domain.OptimizationAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *action
	r.actions[action.ActionID] = &cp
	return nil
}

func (r *actionRepo) Get(ctx context.Context, actionID string) (*domain.OptimizationAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[actionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *actionRepo) List(ctx context.Context, filter store.ActionFilter) ([]domain.OptimizationAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.OptimizationAction, 0, len(r.actions))
	for _, a := range r.actions {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.TargetID != "" && a.TargetID != filter.TargetID {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TransitionStatus implements the compare-and-set under the store mutex:
// the status check and the write are one critical section, so concurrent
// callers serialize and exactly one observes the from status.
func (r *actionRepo) TransitionStatus(ctx context.Context, actionID string, from []domain.ActionStatus, to domain.ActionStatus, update store.StatusUpdate) (*domain.OptimizationAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actions[actionID]
	if !ok {
		return nil, store.ErrNotFound
	}

	eligible := false
	for _, f := range from {
		if a.Status == f {
			eligible = true
			break
		}
	}
	if !eligible {
		return nil, &domain.InvalidStateError{ActionID: actionID, Status: a.Status, Attempt: string(to)}
	}

	a.Status = to
	if update.ApprovedBy != nil {
		a.ApprovedBy = *update.ApprovedBy
	}
	if update.ExecutedBy != nil {
		a.ExecutedBy = *update.ExecutedBy
	}
	if update.ExecutionResult != nil {
		a.ExecutionResult = *update.ExecutionResult
	}
	if update.ExecutionError != nil {
		a.ExecutionError = *update.ExecutionError
	}
	if update.ExecutedAt != nil {
		t := *update.ExecutedAt
		a.ExecutedAt = &t
	}

	cp := *a
	return &cp, nil
}

func (r *actionRepo) LastExecutedAt(ctx context.Context, targetID string, actionType domain.ActionType) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *time.Time
	for _, a := range r.actions {
		if a.TargetID != targetID || a.Type != actionType || a.Status != domain.StatusExecuted || a.ExecutedAt == nil {
			continue
		}
		if latest == nil || a.ExecutedAt.After(*latest) {
			t := *a.ExecutedAt
			latest = &t
		}
	}
	return latest, nil
}

func (r *actionRepo) Stats(ctx context.Context, now time.Time) (store.QueueStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := store.QueueStats{
		CountsByStatus: make(map[domain.ActionStatus]int),
		CountsByType:   make(map[domain.ActionType]int),
	}
	var confSum float64
	for _, a := range r.actions {
		stats.CountsByStatus[a.Status]++
		stats.CountsByType[a.Type]++
		confSum += a.Confidence
		if a.Expired(now) {
			stats.Expired++
		}
	}
	if n := len(r.actions); n > 0 {
		stats.AvgConfidence = confSum / float64(n)
	}
	return stats, nil
}

type metricsRepo Store

func (r *metricsRepo) CreateOnce(ctx context.Context, record *domain.ROASMetricsRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := record.Date.Truncate(24 * time.Hour)
	for _, m := range r.metrics {
		if m.Scope == record.Scope && m.Date.Truncate(24*time.Hour).Equal(day) {
			return store.ErrDuplicateMetrics
		}
	}
	r.metrics = append(r.metrics, *record)
	return nil
}

func (r *metricsRepo) ListMetrics(ctx context.Context, scope domain.Scope, limit int) ([]domain.ROASMetricsRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ROASMetricsRecord, 0)
	for _, m := range r.metrics {
		if m.Scope == scope {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *metricsRepo) ListCampaignMetrics(ctx context.Context, campaignID string) ([]domain.ROASMetricsRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Latest record per ad scope under the campaign.
	latest := make(map[string]domain.ROASMetricsRecord)
	for _, m := range r.metrics {
		if m.Scope.CampaignID != campaignID {
			continue
		}
		key := m.Scope.TargetID()
		if cur, ok := latest[key]; !ok || m.Date.After(cur.Date) {
			latest[key] = m
		}
	}

	out := make([]domain.ROASMetricsRecord, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope.TargetID() < out[j].Scope.TargetID() })
	return out, nil
}

type outcomeRepo Store

func (r *outcomeRepo) ListOutcomes(ctx context.Context, scope domain.Scope, tr domain.TimeRange) ([]domain.ConversionOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ConversionOutcome, 0)
	for _, o := range r.outcomes {
		if !scopeMatches(o.Scope, scope) {
			continue
		}
		if o.EventTimestamp.Before(tr.From) || !o.EventTimestamp.Before(tr.To) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

type perfRepo Store

func (r *perfRepo) GetPerformance(ctx context.Context, scope domain.Scope, tr domain.TimeRange) (*domain.PerformanceWindow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg := domain.PerformanceWindow{Scope: scope, DateStart: tr.From, DateEnd: tr.To}
	for _, w := range r.windows {
		if !scopeMatches(w.Scope, scope) {
			continue
		}
		if w.DateEnd.Before(tr.From) || !w.DateStart.Before(tr.To) {
			continue
		}
		agg.Impressions += w.Impressions
		agg.Clicks += w.Clicks
		agg.SpendUSD += w.SpendUSD
	}
	return &agg, nil
}

// scopeMatches reports whether a row's scope falls under the query scope:
// an exact id match at the query's narrowest populated level.
func scopeMatches(row, query domain.Scope) bool {
	switch query.Level() {
	case domain.LevelAd:
		return row.AdID == query.AdID
	case domain.LevelAdSet:
		return row.AdSetID == query.AdSetID
	default:
		return row.CampaignID == query.CampaignID
	}
}
