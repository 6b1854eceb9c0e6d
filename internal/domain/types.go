package domain

import (
	"fmt"
	"time"
)

// ScopeLevel identifies the ad-hierarchy level an operation applies to.
type ScopeLevel string

const (
	LevelAd       ScopeLevel = "ad"
	LevelAdSet    ScopeLevel = "ad_set"
	LevelCampaign ScopeLevel = "campaign"
)

// Scope pins a metric or action to exactly one hierarchy entity.
// The narrowest populated id wins: ad over ad-set over campaign.
type Scope struct {
	AdID       string `json:"ad_id,omitempty" db:"ad_id"`
	AdSetID    string `json:"ad_set_id,omitempty" db:"ad_set_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
}

// Level returns the narrowest populated level of the scope.
func (s Scope) Level() ScopeLevel {
	switch {
	case s.AdID != "":
		return LevelAd
	case s.AdSetID != "":
		return LevelAdSet
	default:
		return LevelCampaign
	}
}

// TargetID returns the id at the scope's narrowest level.
func (s Scope) TargetID() string {
	switch s.Level() {
	case LevelAd:
		return s.AdID
	case LevelAdSet:
		return s.AdSetID
	default:
		return s.CampaignID
	}
}

// IsZero reports whether no id is populated at all.
func (s Scope) IsZero() bool {
	return s.AdID == "" && s.AdSetID == "" && s.CampaignID == ""
}

// TimeRange is a half-open [From, To) window for data queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PerformanceWindow is an immutable aggregate of delivery metrics for one
// scope over a time range. Sourced from the ad platform; read-only here.
type PerformanceWindow struct {
	Scope       Scope     `json:"scope"`
	DateStart   time.Time `json:"date_start" db:"date_start"`
	DateEnd     time.Time `json:"date_end" db:"date_end"`
	Impressions int64     `json:"impressions" db:"impressions"`
	Clicks      int64     `json:"clicks" db:"clicks"`
	SpendUSD    float64   `json:"spend_usd" db:"spend_usd"`
}

// AttributionModel selects how conversion credit is distributed.
type AttributionModel string

const (
	AttributionLastClick  AttributionModel = "last_click"
	AttributionFirstClick AttributionModel = "first_click"
	AttributionLinear     AttributionModel = "linear"
	AttributionTimeDecay  AttributionModel = "time_decay"
)

// ConversionOutcome is one recorded conversion event. The attribution
// engine rewrites AttributionWeight/AttributionModel in place before
// aggregation; nothing in this core deletes outcomes.
type ConversionOutcome struct {
	ID                 string           `json:"id" db:"id"`
	Scope              Scope            `json:"scope"`
	ValueUSD           float64          `json:"value_usd" db:"value_usd"`
	ConversionType     string           `json:"conversion_type" db:"conversion_type"`
	EventTimestamp     time.Time        `json:"event_timestamp" db:"event_timestamp"`
	SessionID          string           `json:"session_id" db:"session_id"`
	SessionDurationSec *int64           `json:"session_duration_seconds,omitempty" db:"session_duration_seconds"`
	AttributionModel   AttributionModel `json:"attribution_model" db:"attribution_model"`
	AttributionWeight  float64          `json:"attribution_weight" db:"attribution_weight"`
}

// PerformanceTier buckets a smoothed ROAS into coarse bands for reporting.
type PerformanceTier string

const (
	TierExcellent    PerformanceTier = "excellent"
	TierGood         PerformanceTier = "good"
	TierAcceptable   PerformanceTier = "acceptable"
	TierUnderperform PerformanceTier = "underperforming"
	TierCritical     PerformanceTier = "critical"
)

// ROASMetricsRecord is one persisted calculator result per (scope, date).
// Created exactly once by the optimization cycle and never mutated; a new
// date produces a new row.
type ROASMetricsRecord struct {
	ID                       string          `json:"id" db:"id"`
	Scope                    Scope           `json:"scope"`
	Date                     time.Time       `json:"date" db:"date"`
	ActualROAS               float64         `json:"actual_roas" db:"actual_roas"`
	SmoothedROAS             float64         `json:"smoothed_roas" db:"smoothed_roas"`
	PredictedROAS            float64         `json:"predicted_roas" db:"predicted_roas"`
	ConfidenceScore          float64         `json:"confidence_score" db:"confidence_score"`
	ConfidenceIntervalLow    float64         `json:"confidence_interval_low" db:"confidence_interval_low"`
	ConfidenceIntervalHigh   float64         `json:"confidence_interval_high" db:"confidence_interval_high"`
	SampleSize               int             `json:"sample_size" db:"sample_size"`
	SpendUSD                 float64         `json:"spend_usd" db:"spend_usd"`
	Impressions              int64           `json:"impressions" db:"impressions"`
	IsOutlier                bool            `json:"is_outlier" db:"is_outlier"`
	OutlierReason            string          `json:"outlier_reason,omitempty" db:"outlier_reason"`
	PerformanceTier          PerformanceTier `json:"performance_tier" db:"performance_tier"`
	Recommendation           string          `json:"recommendation,omitempty" db:"recommendation"`
	RecommendedBudgetChgPct  float64         `json:"recommended_budget_change_pct" db:"recommended_budget_change_pct"`
	CreatedAt                time.Time       `json:"created_at" db:"created_at"`
}

// CampaignStatus mirrors the ad platform's lifecycle state for a campaign.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "ACTIVE"
	CampaignPaused   CampaignStatus = "PAUSED"
	CampaignArchived CampaignStatus = "ARCHIVED"
)

// Campaign is the top of the ad hierarchy as seen through the gateway.
type Campaign struct {
	ID             string         `json:"id" db:"id"`
	Name           string         `json:"name" db:"name"`
	Status         CampaignStatus `json:"status" db:"status"`
	DailyBudgetUSD float64        `json:"daily_budget_usd" db:"daily_budget_usd"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// AdSet groups ads under a campaign.
type AdSet struct {
	ID         string    `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	Name       string    `json:"name" db:"name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Ad is the leaf of the hierarchy.
type Ad struct {
	ID        string    `json:"id" db:"id"`
	AdSetID   string    `json:"ad_set_id" db:"ad_set_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CreativeMetadata carries the approval state the creative checks need.
type CreativeMetadata struct {
	CreativeID      string    `json:"creative_id"`
	IsHumanApproved bool      `json:"is_human_approved"`
	LastChangedAt   time.Time `json:"last_changed_at"`
}

// Validate rejects a malformed time range before any query runs.
func (tr TimeRange) Validate() error {
	if tr.From.IsZero() || tr.To.IsZero() {
		return fmt.Errorf("time range requires both bounds")
	}
	if !tr.From.Before(tr.To) {
		return fmt.Errorf("time range from %s must precede to %s", tr.From.Format(time.RFC3339), tr.To.Format(time.RFC3339))
	}
	return nil
}
