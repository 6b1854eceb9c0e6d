package domain

import "time"

// ActionContext is the consistent snapshot both guardrail engines
// evaluate an action against. The worker assembles it once per candidate;
// the engines never mutate it.
type ActionContext struct {
	CampaignID        string            `json:"campaign_id"`
	CurrentBudgetUSD  float64           `json:"current_budget_usd"`
	ProposedBudgetUSD float64           `json:"proposed_budget_usd"`
	ROAS              float64           `json:"roas"`
	Confidence        float64           `json:"confidence"`
	SpendUSD          float64           `json:"spend_usd"`
	SpendTodayUSD     float64           `json:"spend_today_usd"`
	Impressions       int64             `json:"impressions"`
	EntityCreatedAt   time.Time         `json:"entity_created_at"`
	LastActionAt      *time.Time        `json:"last_action_at,omitempty"`
	IsAuto            bool              `json:"is_auto"`
	Creative          *CreativeMetadata `json:"creative,omitempty"`
	GeoDistribution   map[string]float64 `json:"geo_distribution,omitempty"`
}
