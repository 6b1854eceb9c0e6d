// Package optimize turns ROAS evidence into budget actions and owns the
// action queue lifecycle from suggestion through execution.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/gateway"
	"github.com/adverve/roaspilot/internal/ledger"
	"github.com/adverve/roaspilot/internal/predict"
	"github.com/adverve/roaspilot/internal/roas"
	"github.com/adverve/roaspilot/internal/store"
)

// ErrActionExpired reports a lifecycle call against a suggestion that
// sat past its approval deadline.
var ErrActionExpired = errors.New("action has expired")

// Service generates, queues and executes optimization actions. All
// status transitions go through the store's atomic compare-and-set, so
// concurrent callers racing the same action resolve to exactly one
// winner.
type Service struct {
	store    store.Store
	platform gateway.Gateway
	calc     *roas.Calculator
	forecast *predict.Engine
	audit    ledger.Ledger
	cfg      config.OptimizeConfig
	now      func() time.Time
}

// NewService wires the optimization service.
func NewService(st store.Store, platform gateway.Gateway, calc *roas.Calculator, forecast *predict.Engine, audit ledger.Ledger, cfg config.OptimizeConfig) *Service {
	if audit == nil {
		audit = ledger.Nop{}
	}
	return &Service{
		store:    st,
		platform: platform,
		calc:     calc,
		forecast: forecast,
		audit:    audit,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Enqueue persists a candidate as a SUGGESTED action with a fresh id and
// an approval deadline, and emits the suggestion audit event.
func (s *Service) Enqueue(ctx context.Context, candidate domain.OptimizationAction) (*domain.OptimizationAction, error) {
	if !candidate.Type.Valid() {
		return nil, fmt.Errorf("unknown action type %q", candidate.Type)
	}

	now := s.now()
	candidate.ActionID = uuid.New().String()
	candidate.Status = domain.StatusSuggested
	candidate.CreatedAt = now
	candidate.ExpiresAt = now.Add(s.cfg.ActionTTL)
	if candidate.CreatedBy == "" {
		candidate.CreatedBy = "autopilot"
	}

	if err := s.store.Actions().Insert(ctx, &candidate); err != nil {
		return nil, fmt.Errorf("failed to enqueue action: %w", err)
	}

	s.audit.Emit(ctx, domain.AuditEvent{
		Type:       domain.EventSuggested,
		ActionID:   candidate.ActionID,
		ActionType: candidate.Type,
		TargetID:   candidate.TargetID,
		Actor:      candidate.CreatedBy,
		Detail:     candidate.Reason,
		Timestamp:  now,
	})

	log.Info().
		Str("action_id", candidate.ActionID).
		Str("type", string(candidate.Type)).
		Str("target", candidate.TargetID).
		Float64("amount_pct", candidate.AmountPct).
		Msg("Action suggested")

	return &candidate, nil
}

// Approve moves a live suggestion to PENDING, recording the approver.
// Expired suggestions cannot be approved.
func (s *Service) Approve(ctx context.Context, actionID, approver string) (*domain.OptimizationAction, error) {
	action, err := s.store.Actions().Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Expired(s.now()) {
		return nil, fmt.Errorf("action %s: %w", actionID, ErrActionExpired)
	}

	return s.store.Actions().TransitionStatus(ctx, actionID,
		[]domain.ActionStatus{domain.StatusSuggested}, domain.StatusPending,
		store.StatusUpdate{ApprovedBy: &approver})
}

// Cancel abandons a suggestion or an approved-but-unexecuted action.
func (s *Service) Cancel(ctx context.Context, actionID, actor string) (*domain.OptimizationAction, error) {
	return s.store.Actions().TransitionStatus(ctx, actionID,
		[]domain.ActionStatus{domain.StatusSuggested, domain.StatusPending}, domain.StatusCancelled,
		store.StatusUpdate{ExecutedBy: &actor})
}

// Execute runs an action against the ad platform. The claim to EXECUTING
// is atomic, so of two concurrent callers exactly one executes. With
// dryRun set the action is validated and returned without any transition
// or platform call.
func (s *Service) Execute(ctx context.Context, actionID, executor string, dryRun bool) (*domain.OptimizationAction, error) {
	now := s.now()

	action, err := s.store.Actions().Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.Expired(now) {
		return nil, fmt.Errorf("action %s: %w", actionID, ErrActionExpired)
	}

	if dryRun {
		if action.Status != domain.StatusSuggested && action.Status != domain.StatusPending {
			return nil, &domain.InvalidStateError{ActionID: actionID, Status: action.Status, Attempt: "execute"}
		}
		result, err := describeMutation(action)
		if err != nil {
			return nil, err
		}
		simulated := *action
		simulated.ExecutionResult = "dry-run: " + result
		log.Info().Str("action_id", actionID).Str("type", string(action.Type)).Msg("Dry run, no platform mutation")
		return &simulated, nil
	}

	action, err = s.store.Actions().TransitionStatus(ctx, actionID,
		[]domain.ActionStatus{domain.StatusSuggested, domain.StatusPending}, domain.StatusExecuting,
		store.StatusUpdate{ExecutedBy: &executor})
	if err != nil {
		return nil, err
	}

	result, execErr := s.applyToPlatform(ctx, action)
	if execErr != nil {
		msg := execErr.Error()
		failed, terr := s.store.Actions().TransitionStatus(ctx, actionID,
			[]domain.ActionStatus{domain.StatusExecuting}, domain.StatusFailed,
			store.StatusUpdate{ExecutionError: &msg})
		if terr != nil {
			log.Error().Err(terr).Str("action_id", actionID).Msg("Failed to mark action failed")
		} else {
			action = failed
		}

		s.audit.Emit(ctx, domain.AuditEvent{
			Type:       domain.EventFailed,
			ActionID:   actionID,
			ActionType: action.Type,
			TargetID:   action.TargetID,
			Actor:      executor,
			Detail:     msg,
			Timestamp:  s.now(),
		})

		log.Error().Err(execErr).
			Str("action_id", actionID).
			Str("type", string(action.Type)).
			Msg("Action execution failed")
		return action, execErr
	}

	executedAt := s.now()
	action, err = s.store.Actions().TransitionStatus(ctx, actionID,
		[]domain.ActionStatus{domain.StatusExecuting}, domain.StatusExecuted,
		store.StatusUpdate{ExecutionResult: &result, ExecutedAt: &executedAt})
	if err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, domain.AuditEvent{
		Type:       domain.EventExecuted,
		ActionID:   actionID,
		ActionType: action.Type,
		TargetID:   action.TargetID,
		Actor:      executor,
		Detail:     result,
		Timestamp:  executedAt,
	})

	log.Info().
		Str("action_id", actionID).
		Str("type", string(action.Type)).
		Str("target", action.TargetID).
		Str("result", result).
		Msg("Action executed")

	return action, nil
}

// describeMutation validates the action's payload and returns the result
// line its executor reports. Dry runs return the same line untouched by
// the platform.
func describeMutation(action *domain.OptimizationAction) (string, error) {
	switch action.Type {
	case domain.ActionScaleUp, domain.ActionScaleDown:
		return fmt.Sprintf("daily budget set to $%.2f (%+.0f%%)", action.AmountUSD, action.AmountPct*100), nil

	case domain.ActionPause:
		return fmt.Sprintf("%s %s paused", action.TargetLevel, action.TargetID), nil

	case domain.ActionResume:
		return fmt.Sprintf("%s %s resumed", action.TargetLevel, action.TargetID), nil

	case domain.ActionReallocate:
		if action.Reallocation == nil || len(action.Reallocation.Moves) == 0 {
			return "", fmt.Errorf("reallocate action %s carries no plan", action.ActionID)
		}
		return fmt.Sprintf("reallocated budget across %d ads", len(action.Reallocation.AdIDs)), nil

	default:
		return "", fmt.Errorf("unknown action type %q", action.Type)
	}
}

// applyToPlatform dispatches the platform mutation for an action. The
// switch is exhaustive over the action type union.
func (s *Service) applyToPlatform(ctx context.Context, action *domain.OptimizationAction) (string, error) {
	result, err := describeMutation(action)
	if err != nil {
		return "", err
	}
	scope := scopeFor(action)

	switch action.Type {
	case domain.ActionScaleUp, domain.ActionScaleDown:
		if err := s.platform.ApplyBudgetChange(ctx, action.ActionID, action.CampaignID, action.AmountUSD); err != nil {
			return "", err
		}

	case domain.ActionPause:
		if err := s.platform.PauseEntity(ctx, action.ActionID, scope); err != nil {
			return "", err
		}

	case domain.ActionResume:
		if err := s.platform.ResumeEntity(ctx, action.ActionID, scope); err != nil {
			return "", err
		}

	case domain.ActionReallocate:
		if err := s.platform.ApplyReallocation(ctx, action.ActionID, action.CampaignID, *action.Reallocation); err != nil {
			return "", err
		}
	}
	return result, nil
}

// scopeFor rebuilds the hierarchy scope an action targets.
func scopeFor(action *domain.OptimizationAction) domain.Scope {
	scope := domain.Scope{CampaignID: action.CampaignID}
	switch action.TargetLevel {
	case domain.LevelAd:
		scope.AdID = action.TargetID
	case domain.LevelAdSet:
		scope.AdSetID = action.TargetID
	case domain.LevelCampaign:
		scope.CampaignID = action.TargetID
	}
	return scope
}

// ListPending returns live SUGGESTED and PENDING actions, newest first.
// Expired suggestions are filtered out but left untouched in the store.
func (s *Service) ListPending(ctx context.Context) ([]domain.OptimizationAction, error) {
	now := s.now()

	suggested, err := s.store.Actions().List(ctx, store.ActionFilter{Status: domain.StatusSuggested})
	if err != nil {
		return nil, err
	}
	pending, err := s.store.Actions().List(ctx, store.ActionFilter{Status: domain.StatusPending})
	if err != nil {
		return nil, err
	}

	out := make([]domain.OptimizationAction, 0, len(suggested)+len(pending))
	for _, a := range suggested {
		if !a.Expired(now) {
			out = append(out, a)
		}
	}
	out = append(out, pending...)
	return out, nil
}

// List passes a filter straight to the store.
func (s *Service) List(ctx context.Context, filter store.ActionFilter) ([]domain.OptimizationAction, error) {
	return s.store.Actions().List(ctx, filter)
}

// Get returns one action by id.
func (s *Service) Get(ctx context.Context, actionID string) (*domain.OptimizationAction, error) {
	return s.store.Actions().Get(ctx, actionID)
}

// QueueStats aggregates the queue for the operator surface.
func (s *Service) QueueStats(ctx context.Context) (store.QueueStats, error) {
	return s.store.Actions().Stats(ctx, s.now())
}
