package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/adverve/roaspilot/internal/domain"
	"github.com/adverve/roaspilot/internal/store"
)

type metricsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

type metricsRow struct {
	ID                      string    `db:"id"`
	AdID                    string    `db:"ad_id"`
	AdSetID                 string    `db:"ad_set_id"`
	CampaignID              string    `db:"campaign_id"`
	Date                    time.Time `db:"date"`
	ActualROAS              float64   `db:"actual_roas"`
	SmoothedROAS            float64   `db:"smoothed_roas"`
	PredictedROAS           float64   `db:"predicted_roas"`
	ConfidenceScore         float64   `db:"confidence_score"`
	ConfidenceIntervalLow   float64   `db:"confidence_interval_low"`
	ConfidenceIntervalHigh  float64   `db:"confidence_interval_high"`
	SampleSize              int       `db:"sample_size"`
	SpendUSD                float64   `db:"spend_usd"`
	Impressions             int64     `db:"impressions"`
	IsOutlier               bool      `db:"is_outlier"`
	OutlierReason           string    `db:"outlier_reason"`
	PerformanceTier         string    `db:"performance_tier"`
	Recommendation          string    `db:"recommendation"`
	RecommendedBudgetChgPct float64   `db:"recommended_budget_change_pct"`
	CreatedAt               time.Time `db:"created_at"`
}

func (r metricsRow) toDomain() domain.ROASMetricsRecord {
	return domain.ROASMetricsRecord{
		ID:                      r.ID,
		Scope:                   domain.Scope{AdID: r.AdID, AdSetID: r.AdSetID, CampaignID: r.CampaignID},
		Date:                    r.Date,
		ActualROAS:              r.ActualROAS,
		SmoothedROAS:            r.SmoothedROAS,
		PredictedROAS:           r.PredictedROAS,
		ConfidenceScore:         r.ConfidenceScore,
		ConfidenceIntervalLow:   r.ConfidenceIntervalLow,
		ConfidenceIntervalHigh:  r.ConfidenceIntervalHigh,
		SampleSize:              r.SampleSize,
		SpendUSD:                r.SpendUSD,
		Impressions:             r.Impressions,
		IsOutlier:               r.IsOutlier,
		OutlierReason:           r.OutlierReason,
		PerformanceTier:         domain.PerformanceTier(r.PerformanceTier),
		Recommendation:          r.Recommendation,
		RecommendedBudgetChgPct: r.RecommendedBudgetChgPct,
		CreatedAt:               r.CreatedAt,
	}
}

const metricsColumns = `id, ad_id, ad_set_id, campaign_id, date, actual_roas, smoothed_roas,
	predicted_roas, confidence_score, confidence_interval_low, confidence_interval_high,
	sample_size, spend_usd, impressions, is_outlier, outlier_reason, performance_tier,
	recommendation, recommended_budget_change_pct, created_at`

// CreateOnce relies on the (ad_id, ad_set_id, campaign_id, date) unique
// index: ON CONFLICT DO NOTHING plus a rows-affected check keeps the
// first row immutable.
func (r *metricsRepo) CreateOnce(ctx context.Context, record *domain.ROASMetricsRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO roas_metrics (` + metricsColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (ad_id, ad_set_id, campaign_id, date) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		record.ID, record.Scope.AdID, record.Scope.AdSetID, record.Scope.CampaignID,
		record.Date.Truncate(24*time.Hour), record.ActualROAS, record.SmoothedROAS,
		record.PredictedROAS, record.ConfidenceScore, record.ConfidenceIntervalLow,
		record.ConfidenceIntervalHigh, record.SampleSize, record.SpendUSD, record.Impressions,
		record.IsOutlier, record.OutlierReason, string(record.PerformanceTier),
		record.Recommendation, record.RecommendedBudgetChgPct, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert metrics record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrDuplicateMetrics
	}
	return nil
}

func (r *metricsRepo) ListMetrics(ctx context.Context, scope domain.Scope, limit int) ([]domain.ROASMetricsRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var col, id string
	switch scope.Level() {
	case domain.LevelAd:
		col, id = "ad_id", scope.AdID
	case domain.LevelAdSet:
		col, id = "ad_set_id", scope.AdSetID
	default:
		col, id = "campaign_id", scope.CampaignID
	}

	// limit <= 0 means unlimited, matching the memory store.
	query := fmt.Sprintf(`SELECT `+metricsColumns+` FROM roas_metrics WHERE %s = $1 ORDER BY date DESC`, col)
	args := []interface{}{id}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	var rows []metricsRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}

	out := make([]domain.ROASMetricsRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

func (r *metricsRepo) ListCampaignMetrics(ctx context.Context, campaignID string) ([]domain.ROASMetricsRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Latest row per ad under the campaign.
	query := `
		SELECT DISTINCT ON (ad_id) ` + metricsColumns + `
		FROM roas_metrics
		WHERE campaign_id = $1
		ORDER BY ad_id, date DESC`

	var rows []metricsRow
	if err := r.db.SelectContext(ctx, &rows, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list campaign metrics: %w", err)
	}

	out := make([]domain.ROASMetricsRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}
