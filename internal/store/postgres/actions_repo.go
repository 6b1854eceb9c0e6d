package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/store"
)

type actionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// actionRow is the flat DB shape; the reallocation plan rides as JSONB.
type actionRow struct {
	ActionID        string         `db:"action_id"`
	Type            string         `db:"type"`
	TargetLevel     string         `db:"target_level"`
	TargetID        string         `db:"target_id"`
	CampaignID      string         `db:"campaign_id"`
	AmountPct       float64        `db:"amount_pct"`
	AmountUSD       float64        `db:"amount_usd"`
	Reason          string         `db:"reason"`
	Confidence      float64        `db:"confidence"`
	ROASValue       float64        `db:"roas_value"`
	Status          string         `db:"status"`
	CreatedBy       string         `db:"created_by"`
	ApprovedBy      sql.NullString `db:"approved_by"`
	ExecutedBy      sql.NullString `db:"executed_by"`
	ExecutionResult sql.NullString `db:"execution_result"`
	ExecutionError  sql.NullString `db:"execution_error"`
	Reallocation    []byte         `db:"reallocation_plan"`
	CreatedAt       time.Time      `db:"created_at"`
	ExpiresAt       time.Time      `db:"expires_at"`
	ExecutedAt      *time.Time     `db:"executed_at"`
}

func (r actionRow) toDomain() (*domain.OptimizationAction, error) {
	a := &domain.OptimizationAction{
		ActionID:        r.ActionID,
		Type:            domain.ActionType(r.Type),
		TargetLevel:     domain.ScopeLevel(r.TargetLevel),
		TargetID:        r.TargetID,
		CampaignID:      r.CampaignID,
		AmountPct:       r.AmountPct,
		AmountUSD:       r.AmountUSD,
		Reason:          r.Reason,
		Confidence:      r.Confidence,
		ROASValue:       r.ROASValue,
		Status:          domain.ActionStatus(r.Status),
		CreatedBy:       r.CreatedBy,
		ApprovedBy:      r.ApprovedBy.String,
		ExecutedBy:      r.ExecutedBy.String,
		ExecutionResult: r.ExecutionResult.String,
		ExecutionError:  r.ExecutionError.String,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		ExecutedAt:      r.ExecutedAt,
	}
	if len(r.Reallocation) > 0 {
		var plan domain.ReallocationPlan
		if err := json.Unmarshal(r.Reallocation, &plan); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reallocation plan: %w", err)
		}
		a.Reallocation = &plan
	}
	return a, nil
}

const actionColumns = `action_id, type, target_level, target_id, campaign_id, amount_pct, amount_usd,
	reason, confidence, roas_value, status, created_by, approved_by, executed_by,
	execution_result, execution_error, reallocation_plan, created_at, expires_at, executed_at`

func (r *actionRepo) Insert(ctx context.Context, action *domain.OptimizationAction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var planJSON []byte
	if action.Reallocation != nil {
		var err error
		planJSON, err = json.Marshal(action.Reallocation)
		if err != nil {
			return fmt.Errorf("failed to marshal reallocation plan: %w", err)
		}
	}

	query := `
		INSERT INTO optimization_actions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := r.db.ExecContext(ctx, query,
		action.ActionID, string(action.Type), string(action.TargetLevel), action.TargetID,
		action.CampaignID, action.AmountPct, action.AmountUSD, action.Reason,
		action.Confidence, action.ROASValue, string(action.Status), action.CreatedBy,
		nullable(action.ApprovedBy), nullable(action.ExecutedBy),
		nullable(action.ExecutionResult), nullable(action.ExecutionError),
		planJSON, action.CreatedAt, action.ExpiresAt, action.ExecutedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate action %s: %w", action.ActionID, err)
		}
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

func (r *actionRepo) Get(ctx context.Context, actionID string) (*domain.OptimizationAction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row actionRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+actionColumns+` FROM optimization_actions WHERE action_id = $1`, actionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return row.toDomain()
}

func (r *actionRepo) List(ctx context.Context, filter store.ActionFilter) ([]domain.OptimizationAction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + actionColumns + ` FROM optimization_actions WHERE 1=1`
	args := []interface{}{}
	n := 0
	add := func(clause string, v interface{}) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Type != "" {
		add("type", string(filter.Type))
	}
	if filter.TargetID != "" {
		add("target_id", filter.TargetID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}

	var rows []actionRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}

	out := make([]domain.OptimizationAction, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// TransitionStatus is the compare-and-set: one conditional UPDATE whose
// WHERE clause checks the current status. Zero rows updated means either
// the action is gone or another caller already moved it; a follow-up
// SELECT distinguishes the two.
func (r *actionRepo) TransitionStatus(ctx context.Context, actionID string, from []domain.ActionStatus, to domain.ActionStatus, update store.StatusUpdate) (*domain.OptimizationAction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	query := `
		UPDATE optimization_actions SET
			status = $1,
			approved_by = COALESCE($2, approved_by),
			executed_by = COALESCE($3, executed_by),
			execution_result = COALESCE($4, execution_result),
			execution_error = COALESCE($5, execution_error),
			executed_at = COALESCE($6, executed_at)
		WHERE action_id = $7 AND status = ANY($8)
		RETURNING ` + actionColumns

	var row actionRow
	err := r.db.GetContext(ctx, &row, query,
		string(to), update.ApprovedBy, update.ExecutedBy,
		update.ExecutionResult, update.ExecutionError, update.ExecutedAt,
		actionID, pq.Array(fromStrs))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.Get(ctx, actionID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &domain.InvalidStateError{ActionID: actionID, Status: current.Status, Attempt: string(to)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition action status: %w", err)
	}
	return row.toDomain()
}

func (r *actionRepo) LastExecutedAt(ctx context.Context, targetID string, actionType domain.ActionType) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts time.Time
	err := r.db.GetContext(ctx, &ts, `
		SELECT executed_at FROM optimization_actions
		WHERE target_id = $1 AND type = $2 AND status = $3 AND executed_at IS NOT NULL
		ORDER BY executed_at DESC LIMIT 1`,
		targetID, string(actionType), string(domain.StatusExecuted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last execution: %w", err)
	}
	return &ts, nil
}

func (r *actionRepo) Stats(ctx context.Context, now time.Time) (store.QueueStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stats := store.QueueStats{
		CountsByStatus: make(map[domain.ActionStatus]int),
		CountsByType:   make(map[domain.ActionType]int),
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT status, type, COUNT(*) AS n FROM optimization_actions GROUP BY status, type`)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return stats, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.CountsByStatus[domain.ActionStatus(status)] += n
		stats.CountsByType[domain.ActionType(typ)] += n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to read stats rows: %w", err)
	}

	err = r.db.GetContext(ctx, &stats.AvgConfidence,
		`SELECT COALESCE(AVG(confidence), 0) FROM optimization_actions`)
	if err != nil {
		return stats, fmt.Errorf("failed to average confidence: %w", err)
	}

	err = r.db.GetContext(ctx, &stats.Expired, `
		SELECT COUNT(*) FROM optimization_actions WHERE status = $1 AND expires_at < $2`,
		string(domain.StatusSuggested), now)
	if err != nil {
		return stats, fmt.Errorf("failed to count expired actions: %w", err)
	}

	return stats, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
