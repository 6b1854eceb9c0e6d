package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/adverve/roaspilot/internal/domain"
)

type outcomeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

type outcomeRow struct {
	ID                 string    `db:"id"`
	AdID               string    `db:"ad_id"`
	AdSetID            string    `db:"ad_set_id"`
	CampaignID         string    `db:"campaign_id"`
	ValueUSD           float64   `db:"value_usd"`
	ConversionType     string    `db:"conversion_type"`
	EventTimestamp     time.Time `db:"event_timestamp"`
	SessionID          string    `db:"session_id"`
	SessionDurationSec *int64    `db:"session_duration_seconds"`
	AttributionModel   string    `db:"attribution_model"`
	AttributionWeight  float64   `db:"attribution_weight"`
}

func scopeClause(scope domain.Scope) (string, string) {
	switch scope.Level() {
	case domain.LevelAd:
		return "ad_id", scope.AdID
	case domain.LevelAdSet:
		return "ad_set_id", scope.AdSetID
	default:
		return "campaign_id", scope.CampaignID
	}
}

func (r *outcomeRepo) ListOutcomes(ctx context.Context, scope domain.Scope, tr domain.TimeRange) ([]domain.ConversionOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	col, id := scopeClause(scope)
	query := fmt.Sprintf(`
		SELECT id, ad_id, ad_set_id, campaign_id, value_usd, conversion_type,
		       event_timestamp, session_id, session_duration_seconds,
		       attribution_model, attribution_weight
		FROM conversion_outcomes
		WHERE %s = $1 AND event_timestamp >= $2 AND event_timestamp < $3
		ORDER BY event_timestamp ASC`, col)

	var rows []outcomeRow
	if err := r.db.SelectContext(ctx, &rows, query, id, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to list conversion outcomes: %w", err)
	}

	out := make([]domain.ConversionOutcome, len(rows))
	for i, row := range rows {
		out[i] = domain.ConversionOutcome{
			ID:                 row.ID,
			Scope:              domain.Scope{AdID: row.AdID, AdSetID: row.AdSetID, CampaignID: row.CampaignID},
			ValueUSD:           row.ValueUSD,
			ConversionType:     row.ConversionType,
			EventTimestamp:     row.EventTimestamp,
			SessionID:          row.SessionID,
			SessionDurationSec: row.SessionDurationSec,
			AttributionModel:   domain.AttributionModel(row.AttributionModel),
			AttributionWeight:  row.AttributionWeight,
		}
	}
	return out, nil
}

type perfRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func (r *perfRepo) GetPerformance(ctx context.Context, scope domain.Scope, tr domain.TimeRange) (*domain.PerformanceWindow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	col, id := scopeClause(scope)
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(impressions), 0) AS impressions,
		       COALESCE(SUM(clicks), 0)      AS clicks,
		       COALESCE(SUM(spend_usd), 0)   AS spend_usd
		FROM performance_windows
		WHERE %s = $1 AND date_start >= $2 AND date_start < $3`, col)

	row := struct {
		Impressions int64   `db:"impressions"`
		Clicks      int64   `db:"clicks"`
		SpendUSD    float64 `db:"spend_usd"`
	}{}
	if err := r.db.GetContext(ctx, &row, query, id, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to aggregate performance: %w", err)
	}

	return &domain.PerformanceWindow{
		Scope:       scope,
		DateStart:   tr.From,
		DateEnd:     tr.To,
		Impressions: row.Impressions,
		Clicks:      row.Clicks,
		SpendUSD:    row.SpendUSD,
	}, nil
}
