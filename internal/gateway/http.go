package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/adverve/roaspilot/internal/domain"
)

// HTTPConfig controls the platform client.
type HTTPConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	BreakerName    string        `yaml:"breaker_name"`
	BreakerWindow  time.Duration `yaml:"breaker_window"`
	BreakerCooloff time.Duration `yaml:"breaker_cooloff"`
	MaxFailures    uint32        `yaml:"max_failures"`
}

// DefaultHTTPConfig returns conservative client settings.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:        baseURL,
		RequestTimeout: 10 * time.Second,
		RateLimit:      10,
		RateBurst:      20,
		BreakerName:    "ad-platform",
		BreakerWindow:  60 * time.Second,
		BreakerCooloff: 30 * time.Second,
		MaxFailures:    5,
	}
}

// HTTPGateway talks to the ad platform's REST API. Requests flow through
// a token-bucket limiter and a circuit breaker; when the breaker is open
// every call fails fast with ErrUnavailable.
type HTTPGateway struct {
	config  HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPGateway builds a client for the given platform endpoint.
func NewHTTPGateway(config HTTPConfig) *HTTPGateway {
	settings := gobreaker.Settings{
		Name:     config.BreakerName,
		Interval: config.BreakerWindow,
		Timeout:  config.BreakerCooloff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("ad platform breaker state changed")
		},
	}

	return &HTTPGateway{
		config:  config,
		client:  &http.Client{Timeout: config.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, g.config.BaseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if g.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("platform returned HTTP %d for %s %s", resp.StatusCode, method, path)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		log.Error().Err(err).Str("method", method).Str("path", path).Msg("ad platform request failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetCampaign fetches one campaign.
func (g *HTTPGateway) GetCampaign(ctx context.Context, campaignID string) (*domain.Campaign, error) {
	var campaign domain.Campaign
	if err := g.do(ctx, http.MethodGet, "/v1/campaigns/"+campaignID, nil, &campaign); err != nil {
		return nil, err
	}
	return &campaign, nil
}

// ListActiveCampaigns fetches every campaign in ACTIVE status.
func (g *HTTPGateway) ListActiveCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	var campaigns []domain.Campaign
	if err := g.do(ctx, http.MethodGet, "/v1/campaigns?status=ACTIVE", nil, &campaigns); err != nil {
		return nil, err
	}
	return campaigns, nil
}

// ListAds fetches the ads under a campaign, across all its ad sets.
func (g *HTTPGateway) ListAds(ctx context.Context, campaignID string) ([]domain.Ad, error) {
	var ads []domain.Ad
	if err := g.do(ctx, http.MethodGet, "/v1/campaigns/"+campaignID+"/ads", nil, &ads); err != nil {
		return nil, err
	}
	return ads, nil
}

// GetCreative fetches the active creative for a campaign, or nil when
// the campaign has none.
func (g *HTTPGateway) GetCreative(ctx context.Context, campaignID string) (*domain.CreativeMetadata, error) {
	var creative domain.CreativeMetadata
	if err := g.do(ctx, http.MethodGet, "/v1/campaigns/"+campaignID+"/creative", nil, &creative); err != nil {
		return nil, err
	}
	if creative.CreativeID == "" {
		return nil, nil
	}
	return &creative, nil
}

// SpendToday fetches spend since platform midnight for the campaign.
func (g *HTTPGateway) SpendToday(ctx context.Context, campaignID string) (float64, error) {
	var payload struct {
		SpendUSD float64 `json:"spend_usd"`
	}
	if err := g.do(ctx, http.MethodGet, "/v1/campaigns/"+campaignID+"/spend/today", nil, &payload); err != nil {
		return 0, err
	}
	return payload.SpendUSD, nil
}

// GeoDistribution fetches the campaign's spend share by country code.
func (g *HTTPGateway) GeoDistribution(ctx context.Context, campaignID string) (map[string]float64, error) {
	var dist map[string]float64
	if err := g.do(ctx, http.MethodGet, "/v1/campaigns/"+campaignID+"/geo", nil, &dist); err != nil {
		return nil, err
	}
	return dist, nil
}

// ApplyBudgetChange sets the campaign's daily budget.
func (g *HTTPGateway) ApplyBudgetChange(ctx context.Context, actionID, campaignID string, newDailyBudgetUSD float64) error {
	body := map[string]interface{}{
		"idempotency_key":  actionID,
		"daily_budget_usd": newDailyBudgetUSD,
	}
	return g.do(ctx, http.MethodPost, "/v1/campaigns/"+campaignID+"/budget", body, nil)
}

// ApplyReallocation shifts budget share between ads per the plan.
func (g *HTTPGateway) ApplyReallocation(ctx context.Context, actionID, campaignID string, plan domain.ReallocationPlan) error {
	body := map[string]interface{}{
		"idempotency_key": actionID,
		"moves":           plan.Moves,
	}
	return g.do(ctx, http.MethodPost, "/v1/campaigns/"+campaignID+"/reallocate", body, nil)
}

// PauseEntity pauses delivery for the scoped entity.
func (g *HTTPGateway) PauseEntity(ctx context.Context, actionID string, scope domain.Scope) error {
	body := map[string]interface{}{
		"idempotency_key": actionID,
		"level":           string(scope.Level()),
		"target_id":       scope.TargetID(),
	}
	return g.do(ctx, http.MethodPost, "/v1/delivery/pause", body, nil)
}

// ResumeEntity resumes delivery for the scoped entity.
func (g *HTTPGateway) ResumeEntity(ctx context.Context, actionID string, scope domain.Scope) error {
	body := map[string]interface{}{
		"idempotency_key": actionID,
		"level":           string(scope.Level()),
		"target_id":       scope.TargetID(),
	}
	return g.do(ctx, http.MethodPost, "/v1/delivery/resume", body, nil)
}

// SwapCreative replaces the creative on an ad.
func (g *HTTPGateway) SwapCreative(ctx context.Context, actionID, adID, creativeID string) error {
	body := map[string]interface{}{
		"idempotency_key": actionID,
		"creative_id":     creativeID,
	}
	return g.do(ctx, http.MethodPost, "/v1/ads/"+adID+"/creative", body, nil)
}
