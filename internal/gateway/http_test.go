package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverve/roaspilot/internal/domain"
)

func TestHTTPGateway_GetCampaign(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/campaigns/cmp-1", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(domain.Campaign{
			ID:             "cmp-1",
			Name:           "spring-sale",
			Status:         domain.CampaignActive,
			DailyBudgetUSD: 250,
		})
	}))
	defer server.Close()

	config := DefaultHTTPConfig(server.URL)
	config.APIKey = "test-key"
	gw := NewHTTPGateway(config)

	campaign, err := gw.GetCampaign(context.Background(), "cmp-1")
	require.NoError(t, err)
	assert.Equal(t, "spring-sale", campaign.Name)
	assert.Equal(t, 250.0, campaign.DailyBudgetUSD)
}

func TestHTTPGateway_ApplyBudgetChangeCarriesIdempotencyKey(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw := NewHTTPGateway(DefaultHTTPConfig(server.URL))
	err := gw.ApplyBudgetChange(context.Background(), "act-9", "cmp-1", 300)
	require.NoError(t, err)

	assert.Equal(t, "act-9", got["idempotency_key"])
	assert.Equal(t, 300.0, got["daily_budget_usd"])
}

func TestHTTPGateway_ServerErrorSurfacesAsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	gw := NewHTTPGateway(DefaultHTTPConfig(server.URL))
	_, err := gw.GetCampaign(context.Background(), "cmp-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPGateway_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	config := DefaultHTTPConfig(server.URL)
	config.MaxFailures = 3
	gw := NewHTTPGateway(config)

	for i := 0; i < 6; i++ {
		_, err := gw.GetCampaign(context.Background(), "cmp-1")
		require.Error(t, err)
	}

	// The breaker tripped after three failures; later calls never reach
	// the server.
	assert.Equal(t, int64(3), hits.Load())
}

func TestFakeGatewayRecordsMutations(t *testing.T) {
	fake := NewFake()
	fake.Campaigns["cmp-1"] = &domain.Campaign{ID: "cmp-1", Status: domain.CampaignActive, DailyBudgetUSD: 100}

	require.NoError(t, fake.ApplyBudgetChange(context.Background(), "act-1", "cmp-1", 120))
	require.NoError(t, fake.PauseEntity(context.Background(), "act-2", domain.Scope{CampaignID: "cmp-1"}))

	assert.Equal(t, []string{"budget", "pause"}, fake.MutationOps())
	assert.Equal(t, 120.0, fake.Campaigns["cmp-1"].DailyBudgetUSD)
	assert.Equal(t, domain.CampaignPaused, fake.Campaigns["cmp-1"].Status)
}
