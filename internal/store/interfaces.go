package store

import (
	"context"
	"errors"
	"time"

	"github.com/adverve/roaspilot/internal/domain"
)

// Sentinel errors shared by every implementation.
var (
	// ErrNotFound reports an absent action or record.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateMetrics reports a second metrics row for one (scope, date).
	ErrDuplicateMetrics = errors.New("metrics record already exists for scope and date")
)

// ActionFilter narrows action listings.
type ActionFilter struct {
	Status   domain.ActionStatus
	Type     domain.ActionType
	TargetID string
	Limit    int
}

// StatusUpdate carries the fields a status transition may set alongside
// the new status. Nil fields are left untouched.
type StatusUpdate struct {
	ApprovedBy      *string
	ExecutedBy      *string
	ExecutionResult *string
	ExecutionError  *string
	ExecutedAt      *time.Time
}

// QueueStats aggregates the action queue for the operator surface.
type QueueStats struct {
	CountsByStatus map[domain.ActionStatus]int `json:"counts_by_status"`
	CountsByType   map[domain.ActionType]int   `json:"counts_by_type"`
	AvgConfidence  float64                     `json:"avg_confidence"`
	Expired        int                         `json:"expired"`
}

// ActionRepo persists optimization actions. TransitionStatus is the one
// correctness-critical concurrency point in the core: it must be a single
// atomic compare-and-set so two concurrent callers racing the same action
// produce exactly one transition.
type ActionRepo interface {
	// Insert persists a new action.
	Insert(ctx context.Context, action *domain.OptimizationAction) error

	// Get returns an action by id, or ErrNotFound.
	Get(ctx context.Context, actionID string) (*domain.OptimizationAction, error)

	// List returns actions matching the filter, newest first.
	List(ctx context.Context, filter ActionFilter) ([]domain.OptimizationAction, error)

	// TransitionStatus atomically moves an action from one of the from
	// statuses to the to status, applying the update in the same step.
	// Returns the updated action; domain.InvalidStateError when the
	// current status is not in from; ErrNotFound when the id is absent.
	TransitionStatus(ctx context.Context, actionID string, from []domain.ActionStatus, to domain.ActionStatus, update StatusUpdate) (*domain.OptimizationAction, error)

	// LastExecutedAt returns when a same-type action last reached
	// EXECUTED on the target, or nil. Drives the cooldown check.
	LastExecutedAt(ctx context.Context, targetID string, actionType domain.ActionType) (*time.Time, error)

	// Stats aggregates queue counts and average confidence. now bounds
	// the expired count.
	Stats(ctx context.Context, now time.Time) (QueueStats, error)
}

// MetricsRepo persists calculator results, one row per (scope, date).
type MetricsRepo interface {
	// CreateOnce inserts a record unless one already exists for the
	// (scope, date); the duplicate case returns ErrDuplicateMetrics and
	// leaves the original untouched.
	CreateOnce(ctx context.Context, record *domain.ROASMetricsRecord) error

	// ListMetrics returns up to limit records for a scope, newest first.
	ListMetrics(ctx context.Context, scope domain.Scope, limit int) ([]domain.ROASMetricsRecord, error)

	// ListCampaignMetrics returns the latest record per ad under a
	// campaign, for reallocation math and context snapshots.
	ListCampaignMetrics(ctx context.Context, campaignID string) ([]domain.ROASMetricsRecord, error)
}

// OutcomeRepo reads conversion outcomes for the calculator.
type OutcomeRepo interface {
	ListOutcomes(ctx context.Context, scope domain.Scope, tr domain.TimeRange) ([]domain.ConversionOutcome, error)
}

// PerformanceRepo reads delivery aggregates for the calculator and the
// safety snapshot.
type PerformanceRepo interface {
	GetPerformance(ctx context.Context, scope domain.Scope, tr domain.TimeRange) (*domain.PerformanceWindow, error)
}

// Store bundles the repositories one backend provides.
type Store interface {
	Actions() ActionRepo
	Metrics() MetricsRepo
	Outcomes() OutcomeRepo
	Performance() PerformanceRepo
}
