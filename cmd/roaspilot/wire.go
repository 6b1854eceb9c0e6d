package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/adverve/roaspilot/internal/config"
	"github.com/adverve/roaspilot/internal/gateway"
	"github.com/adverve/roaspilot/internal/ledger"
	"github.com/adverve/roaspilot/internal/metrics"
	"github.com/adverve/roaspilot/internal/optimize"
	"github.com/adverve/roaspilot/internal/policy"
	"github.com/adverve/roaspilot/internal/predict"
	"github.com/adverve/roaspilot/internal/roas"
	"github.com/adverve/roaspilot/internal/safety"
	"github.com/adverve/roaspilot/internal/store"
	"github.com/adverve/roaspilot/internal/store/memory"
	"github.com/adverve/roaspilot/internal/store/postgres"
	"github.com/adverve/roaspilot/internal/worker"
)

// App bundles the wired components behind a command.
type App struct {
	Config   config.Config
	Store    store.Store
	Platform gateway.Gateway
	Ledger   ledger.Ledger
	Registry *metrics.Registry
	Service  *optimize.Service
	Worker   *worker.Worker

	closers []func() error
}

// buildApp assembles the full stack from flags and config. The store,
// platform and ledger each fall back to in-process implementations when
// their connection flags are empty, so every command works standalone.
func buildApp(cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		cfg.Mode = config.Mode(mode)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	app := &App{Config: cfg}

	dsn, _ := cmd.Root().PersistentFlags().GetString("dsn")
	if dsn != "" {
		pg, err := postgres.Open(postgres.DefaultConfig(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		app.Store = pg
		app.closers = append(app.closers, pg.Close)
		log.Info().Msg("Using PostgreSQL store")
	} else {
		app.Store = memory.New()
		log.Warn().Msg("No DSN configured, using in-memory store")
	}

	platformURL, _ := cmd.Root().PersistentFlags().GetString("platform-url")
	if platformURL != "" {
		httpCfg := gateway.DefaultHTTPConfig(platformURL)
		httpCfg.APIKey = os.Getenv("ROASPILOT_PLATFORM_TOKEN")
		app.Platform = gateway.NewHTTPGateway(httpCfg)
		log.Info().Str("base_url", platformURL).Msg("Using HTTP ad platform gateway")
	} else {
		app.Platform = gateway.NewFake()
		log.Warn().Msg("No platform URL configured, using in-process fake")
	}

	redisAddr, _ := cmd.Root().PersistentFlags().GetString("redis-addr")
	if redisAddr != "" {
		redisCfg := ledger.DefaultRedisConfig()
		redisCfg.Addr = redisAddr
		rl, err := ledger.NewRedisLedger(context.Background(), redisCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect audit ledger: %w", err)
		}
		app.Ledger = rl
		app.closers = append(app.closers, rl.Close)
		log.Info().Str("addr", redisAddr).Msg("Audit ledger on Redis stream")
	} else {
		app.Ledger = ledger.NewMemory()
		log.Warn().Msg("No Redis configured, audit ledger is in-memory")
	}

	app.Registry = metrics.NewRegistry()

	calc := roas.NewCalculator(app.Store.Outcomes(), app.Store.Performance(), cfg.ROAS)
	forecast := predict.NewEngine(app.Store.Metrics(), cfg.Predict)
	app.Service = optimize.NewService(app.Store, app.Platform, calc, forecast, app.Ledger, cfg.Optimize)

	pol := policy.NewEngine(cfg.Policy)
	saf := safety.NewEngine(cfg.Safety)
	app.Worker = worker.New(cfg, app.Service, app.Platform, app.Store.Actions(), pol, saf, app.Registry)

	log.Info().Str("mode", string(cfg.Mode)).Msg("Components wired")
	return app, nil
}

// Close releases connections in reverse acquisition order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
}
