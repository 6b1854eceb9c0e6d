package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/adverve/roaspilot/internal/domain"
)

// Fake is an in-memory Gateway for tests and dry runs. Mutations are
// recorded so assertions can inspect what the core pushed out.
type Fake struct {
	mu sync.Mutex

	Campaigns map[string]*domain.Campaign
	Ads       map[string][]domain.Ad
	Creatives map[string]*domain.CreativeMetadata
	Spend     map[string]float64
	Geo       map[string]map[string]float64

	// FailWith, when set, makes every mutation return this error.
	FailWith error

	// Broken marks campaign IDs whose reads fail with ErrUnavailable.
	Broken map[string]bool

	Mutations []Mutation
}

// Mutation is one recorded write against the fake platform.
type Mutation struct {
	Op        string
	ActionID  string
	TargetID  string
	BudgetUSD float64
}

// NewFake returns an empty fake platform.
func NewFake() *Fake {
	return &Fake{
		Campaigns: make(map[string]*domain.Campaign),
		Ads:       make(map[string][]domain.Ad),
		Creatives: make(map[string]*domain.CreativeMetadata),
		Spend:     make(map[string]float64),
		Geo:       make(map[string]map[string]float64),
		Broken:    make(map[string]bool),
	}
}

func (f *Fake) GetCampaign(_ context.Context, campaignID string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	campaign, ok := f.Campaigns[campaignID]
	if !ok || f.Broken[campaignID] {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrUnavailable)
	}
	clone := *campaign
	return &clone, nil
}

func (f *Fake) ListActiveCampaigns(_ context.Context) ([]domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Campaign
	for _, campaign := range f.Campaigns {
		if campaign.Status == domain.CampaignActive {
			out = append(out, *campaign)
		}
	}
	return out, nil
}

func (f *Fake) ListAds(_ context.Context, campaignID string) ([]domain.Ad, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Ad(nil), f.Ads[campaignID]...), nil
}

func (f *Fake) GetCreative(_ context.Context, campaignID string) (*domain.CreativeMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	creative, ok := f.Creatives[campaignID]
	if !ok {
		return nil, nil
	}
	clone := *creative
	return &clone, nil
}

func (f *Fake) SpendToday(_ context.Context, campaignID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Spend[campaignID], nil
}

func (f *Fake) GeoDistribution(_ context.Context, campaignID string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dist := make(map[string]float64, len(f.Geo[campaignID]))
	for country, share := range f.Geo[campaignID] {
		dist[country] = share
	}
	return dist, nil
}

func (f *Fake) ApplyBudgetChange(_ context.Context, actionID, campaignID string, newDailyBudgetUSD float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if campaign, ok := f.Campaigns[campaignID]; ok {
		campaign.DailyBudgetUSD = newDailyBudgetUSD
	}
	f.Mutations = append(f.Mutations, Mutation{Op: "budget", ActionID: actionID, TargetID: campaignID, BudgetUSD: newDailyBudgetUSD})
	return nil
}

func (f *Fake) ApplyReallocation(_ context.Context, actionID, campaignID string, plan domain.ReallocationPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Mutations = append(f.Mutations, Mutation{Op: "reallocate", ActionID: actionID, TargetID: campaignID})
	return nil
}

func (f *Fake) PauseEntity(_ context.Context, actionID string, scope domain.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if scope.Level() == domain.LevelCampaign {
		if campaign, ok := f.Campaigns[scope.CampaignID]; ok {
			campaign.Status = domain.CampaignPaused
		}
	}
	f.Mutations = append(f.Mutations, Mutation{Op: "pause", ActionID: actionID, TargetID: scope.TargetID()})
	return nil
}

func (f *Fake) ResumeEntity(_ context.Context, actionID string, scope domain.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	if scope.Level() == domain.LevelCampaign {
		if campaign, ok := f.Campaigns[scope.CampaignID]; ok {
			campaign.Status = domain.CampaignActive
		}
	}
	f.Mutations = append(f.Mutations, Mutation{Op: "resume", ActionID: actionID, TargetID: scope.TargetID()})
	return nil
}

func (f *Fake) SwapCreative(_ context.Context, actionID, adID, creativeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailWith != nil {
		return f.FailWith
	}
	f.Mutations = append(f.Mutations, Mutation{Op: "swap_creative", ActionID: actionID, TargetID: adID})
	return nil
}

// MutationOps returns the recorded operation names in order.
func (f *Fake) MutationOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.Mutations))
	for i, m := range f.Mutations {
		ops[i] = m.Op
	}
	return ops
}
