package domain

import (
	"fmt"
	"time"
)

// ActionType is the closed set of changes the autopilot can propose.
// Every dispatch over it must be exhaustive so adding a type is a
// compile-surfaced change.
type ActionType string

const (
	ActionScaleUp    ActionType = "scale_up"
	ActionScaleDown  ActionType = "scale_down"
	ActionPause      ActionType = "pause"
	ActionResume     ActionType = "resume"
	ActionReallocate ActionType = "reallocate"
)

// AllActionTypes lists every valid type for validation and stats.
var AllActionTypes = []ActionType{ActionScaleUp, ActionScaleDown, ActionPause, ActionResume, ActionReallocate}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionScaleUp, ActionScaleDown, ActionPause, ActionResume, ActionReallocate:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of an optimization action.
//
// State machine:
//
//	SUGGESTED -(approve)-> PENDING -(execute)-> EXECUTING -(success)-> EXECUTED
//	EXECUTING -(failure)-> FAILED
//	SUGGESTED|PENDING -(cancel)-> CANCELLED
type ActionStatus string

const (
	StatusSuggested ActionStatus = "suggested"
	StatusPending   ActionStatus = "pending"
	StatusExecuting ActionStatus = "executing"
	StatusExecuted  ActionStatus = "executed"
	StatusFailed    ActionStatus = "failed"
	StatusCancelled ActionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s ActionStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ReallocationMove shifts budget share between two ads.
type ReallocationMove struct {
	FromAdID string  `json:"from_ad_id"`
	ToAdID   string  `json:"to_ad_id"`
	Pct      float64 `json:"pct"`
}

// ReallocationPlan covers every qualifying ad in a reallocate action.
type ReallocationPlan struct {
	Moves []ReallocationMove `json:"moves"`
	AdIDs []string           `json:"ad_ids"`
}

// OptimizationAction is the unit of change flowing through the queue.
// Policy/Safety treat it as an immutable snapshot; only the optimization
// service transitions its status.
type OptimizationAction struct {
	ActionID       string            `json:"action_id" db:"action_id"`
	Type           ActionType        `json:"type" db:"type"`
	TargetLevel    ScopeLevel        `json:"target_level" db:"target_level"`
	TargetID       string            `json:"target_id" db:"target_id"`
	CampaignID     string            `json:"campaign_id" db:"campaign_id"`
	AmountPct      float64           `json:"amount_pct" db:"amount_pct"`
	AmountUSD      float64           `json:"amount_usd" db:"amount_usd"`
	Reason         string            `json:"reason" db:"reason"`
	Confidence     float64           `json:"confidence" db:"confidence"`
	ROASValue      float64           `json:"roas_value" db:"roas_value"`
	Status         ActionStatus      `json:"status" db:"status"`
	CreatedBy      string            `json:"created_by" db:"created_by"`
	ApprovedBy     string            `json:"approved_by,omitempty" db:"approved_by"`
	ExecutedBy     string            `json:"executed_by,omitempty" db:"executed_by"`
	ExecutionResult string           `json:"execution_result,omitempty" db:"execution_result"`
	ExecutionError string            `json:"execution_error,omitempty" db:"execution_error"`
	Reallocation   *ReallocationPlan `json:"reallocation_plan,omitempty" db:"reallocation_plan"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at" db:"expires_at"`
	ExecutedAt     *time.Time        `json:"executed_at,omitempty" db:"executed_at"`
}

// Expired reports whether the action sat unapproved past its deadline.
// Expired suggestions are excluded from pending listings but never
// auto-cancelled.
func (a *OptimizationAction) Expired(now time.Time) bool {
	return a.Status == StatusSuggested && now.After(a.ExpiresAt)
}

// AuditEventType names the ledger events the core emits.
type AuditEventType string

const (
	EventSuggested AuditEventType = "optimization_suggested"
	EventExecuted  AuditEventType = "optimization_executed"
	EventFailed    AuditEventType = "optimization_failed"
)

// AuditEvent is one append-only ledger entry. Writing it must never fail
// the operation that produced it.
type AuditEvent struct {
	Type       AuditEventType `json:"type"`
	ActionID   string         `json:"action_id"`
	ActionType ActionType     `json:"action_type"`
	TargetID   string         `json:"target_id"`
	Actor      string         `json:"actor"`
	Detail     string         `json:"detail,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// InvalidStateError reports a lifecycle call against an action whose
// current status does not permit it. The conflicting status is included
// so callers can surface it.
type InvalidStateError struct {
	ActionID string
	Status   ActionStatus
	Attempt  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("action %s: cannot %s from status %s", e.ActionID, e.Attempt, e.Status)
}
