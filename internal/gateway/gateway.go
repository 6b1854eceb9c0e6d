// Package gateway is the boundary to the external ad platform. The
// decision core reads hierarchy and spend through it and pushes budget,
// pause and creative mutations back out. All mutations carry the action
// id so retries after a crash are idempotent on the platform side.
package gateway

import (
	"context"
	"errors"

	"github.com/adverve/roaspilot/internal/domain"
)

// ErrUnavailable is returned when the platform cannot be reached, either
// because the circuit is open or the request itself failed.
var ErrUnavailable = errors.New("ad platform unavailable")

// Gateway is the full read/write surface against the ad platform.
type Gateway interface {
	Reader
	Mutator
}

// Reader covers the hierarchy and spend lookups the worker needs to
// assemble a decision context.
type Reader interface {
	GetCampaign(ctx context.Context, campaignID string) (*domain.Campaign, error)
	ListActiveCampaigns(ctx context.Context) ([]domain.Campaign, error)
	ListAds(ctx context.Context, campaignID string) ([]domain.Ad, error)
	GetCreative(ctx context.Context, campaignID string) (*domain.CreativeMetadata, error)
	SpendToday(ctx context.Context, campaignID string) (float64, error)
	GeoDistribution(ctx context.Context, campaignID string) (map[string]float64, error)
}

// Mutator covers the writes an executed action performs. Every call is
// keyed by actionID so the platform can deduplicate replays.
type Mutator interface {
	ApplyBudgetChange(ctx context.Context, actionID, campaignID string, newDailyBudgetUSD float64) error
	ApplyReallocation(ctx context.Context, actionID, campaignID string, plan domain.ReallocationPlan) error
	PauseEntity(ctx context.Context, actionID string, scope domain.Scope) error
	ResumeEntity(ctx context.Context, actionID string, scope domain.Scope) error
	SwapCreative(ctx context.Context, actionID, adID, creativeID string) error
}
