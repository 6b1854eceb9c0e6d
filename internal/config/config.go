package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects what the worker does with cleared actions.
type Mode string

const (
	ModeSuggest Mode = "suggest" // enqueue everything for human approval
	ModeAuto    Mode = "auto"    // auto-execute actions that are safe for auto
)

// Config is the single immutable configuration value for the decision
// core. It is constructed at startup and passed explicitly into every
// engine; no package reads thresholds from ambient state.
type Config struct {
	Mode         Mode          `yaml:"mode"`
	TickInterval time.Duration `yaml:"tick_interval"`

	ROAS      ROASConfig      `yaml:"roas"`
	Optimize  OptimizeConfig  `yaml:"optimize"`
	Policy    PolicyConfig    `yaml:"policy"`
	Safety    SafetyConfig    `yaml:"safety"`
	Worker    WorkerConfig    `yaml:"worker"`
	Predict   PredictConfig   `yaml:"predict"`
}

// ROASConfig holds the calculator's smoothing and bootstrap knobs.
type ROASConfig struct {
	DefaultPriorROAS    float64 `yaml:"default_prior_roas"`    // 2.0
	PriorWeightBase     float64 `yaml:"prior_weight_base"`     // 0.2
	MinSampleSize       int     `yaml:"min_sample_size"`       // 30
	BootstrapResamples  int     `yaml:"bootstrap_resamples"`   // 1000
	DefaultWindowDays   int     `yaml:"default_window_days"`   // 7
}

// OptimizeConfig holds action-generation thresholds.
type OptimizeConfig struct {
	ScaleUpMinROAS        float64       `yaml:"scale_up_min_roas"`        // 2.0
	ScaleDownMaxROAS      float64       `yaml:"scale_down_max_roas"`      // 1.5
	PauseROAS             float64       `yaml:"pause_roas"`               // 0.8
	MaxDailyChangePct     float64       `yaml:"max_daily_change_pct"`     // 0.20
	MinConfidence         float64       `yaml:"min_confidence"`           // 0.65
	MaxActionsPerCampaign int           `yaml:"max_actions_per_campaign"` // 5
	ReallocateMinAds      int           `yaml:"reallocate_min_ads"`       // 3
	ReallocateThreshold   float64       `yaml:"reallocate_threshold"`     // 1.5 max/min spread
	CooldownWindow        time.Duration `yaml:"cooldown_window"`          // 24h per (target, type)
	EmbargoPeriod         time.Duration `yaml:"embargo_period"`           // 48h campaign age
	ActionTTL             time.Duration `yaml:"action_ttl"`               // 48h suggestion shelf life
	LookbackDays          int           `yaml:"lookback_days"`            // 7
}

// PolicyConfig holds the business-rule caps.
type PolicyConfig struct {
	MaxAutoChangePct     float64       `yaml:"max_auto_change_pct"`     // 0.10
	MaxDailyChangePct    float64       `yaml:"max_daily_change_pct"`    // 0.20
	MaxCampaignBudgetUSD float64       `yaml:"max_campaign_budget_usd"` // ceiling on any new budget
	HardStopROAS         float64       `yaml:"hard_stop_roas"`          // 0.9
	HardStopConfidence   float64       `yaml:"hard_stop_confidence"`    // 0.70
	MinSpendUSD          float64       `yaml:"min_spend_usd"`           // 100
	HomeCountry          string        `yaml:"home_country"`
	MinHomePct           float64       `yaml:"min_home_pct"`            // 0.35
	MaxSingleCountryPct  float64       `yaml:"max_single_country_pct"`  // 0.70
	CreativeEmbargo      time.Duration `yaml:"creative_embargo"`        // 48h
}

// SafetyConfig holds the operational guardrails.
type SafetyConfig struct {
	MaxDailySpendUSD       float64       `yaml:"max_daily_spend_usd"`
	MinAge                 time.Duration `yaml:"min_age"`                  // 48h entity embargo
	MinImpressions         int64         `yaml:"min_impressions"`          // 1000
	MinSpendUSD            float64       `yaml:"min_spend_usd"`            // 100
	ActionCooldown         time.Duration `yaml:"action_cooldown"`          // 24h
	SkipCreativeApproval   bool          `yaml:"skip_creative_approval"`   // global escape hatch
	LowROASThreshold       float64       `yaml:"low_roas_threshold"`       // 0.5
	LowROASConfidenceFloor float64       `yaml:"low_roas_confidence_floor"` // 0.8
}

// WorkerConfig bounds one autonomous tick.
type WorkerConfig struct {
	MaxCampaignsPerTick int           `yaml:"max_campaigns_per_tick"` // 100
	MaxActionsPerTick   int           `yaml:"max_actions_per_tick"`   // 50
	AutoMinConfidence   float64       `yaml:"auto_min_confidence"`    // 0.75
	ErrorBackoff        time.Duration `yaml:"error_backoff"`          // 60s after a loop-level failure
}

// PredictConfig holds forecasting knobs.
type PredictConfig struct {
	EMAAlpha     float64 `yaml:"ema_alpha"`     // 0.3
	LookbackDays int     `yaml:"lookback_days"` // 30
	PriorAlpha   float64 `yaml:"prior_alpha"`   // 1
	PriorBeta    float64 `yaml:"prior_beta"`    // 1
}

// Default returns the production threshold set.
func Default() Config {
	return Config{
		Mode:         ModeSuggest,
		TickInterval: 1800 * time.Second,
		ROAS: ROASConfig{
			DefaultPriorROAS:   2.0,
			PriorWeightBase:    0.2,
			MinSampleSize:      30,
			BootstrapResamples: 1000,
			DefaultWindowDays:  7,
		},
		Optimize: OptimizeConfig{
			ScaleUpMinROAS:        2.0,
			ScaleDownMaxROAS:      1.5,
			PauseROAS:             0.8,
			MaxDailyChangePct:     0.20,
			MinConfidence:         0.65,
			MaxActionsPerCampaign: 5,
			ReallocateMinAds:      3,
			ReallocateThreshold:   1.5,
			CooldownWindow:        24 * time.Hour,
			EmbargoPeriod:         48 * time.Hour,
			ActionTTL:             48 * time.Hour,
			LookbackDays:          7,
		},
		Policy: PolicyConfig{
			MaxAutoChangePct:     0.10,
			MaxDailyChangePct:    0.20,
			MaxCampaignBudgetUSD: 10000.0,
			HardStopROAS:         0.9,
			HardStopConfidence:   0.70,
			MinSpendUSD:          100.0,
			HomeCountry:          "US",
			MinHomePct:           0.35,
			MaxSingleCountryPct:  0.70,
			CreativeEmbargo:      48 * time.Hour,
		},
		Safety: SafetyConfig{
			MaxDailySpendUSD:       1000.0,
			MinAge:                 48 * time.Hour,
			MinImpressions:         1000,
			MinSpendUSD:            100.0,
			ActionCooldown:         24 * time.Hour,
			SkipCreativeApproval:   false,
			LowROASThreshold:       0.5,
			LowROASConfidenceFloor: 0.8,
		},
		Worker: WorkerConfig{
			MaxCampaignsPerTick: 100,
			MaxActionsPerTick:   50,
			AutoMinConfidence:   0.75,
			ErrorBackoff:        60 * time.Second,
		},
		Predict: PredictConfig{
			EMAAlpha:     0.3,
			LookbackDays: 30,
			PriorAlpha:   1,
			PriorBeta:    1,
		},
	}
}

// duration parses YAML scalars like "24h" or "90s". The yaml package
// only accepts raw nanosecond integers for time.Duration, which no one
// wants to write in a config file.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = duration(parsed)
	return nil
}

// fileConfig mirrors Config for YAML decoding, swapping every
// time.Duration field for the string-friendly duration type.
type fileConfig struct {
	Mode         Mode     `yaml:"mode"`
	TickInterval duration `yaml:"tick_interval"`

	ROAS     ROASConfig    `yaml:"roas"`
	Optimize fileOptimize  `yaml:"optimize"`
	Policy   filePolicy    `yaml:"policy"`
	Safety   fileSafety    `yaml:"safety"`
	Worker   fileWorker    `yaml:"worker"`
	Predict  PredictConfig `yaml:"predict"`
}

type fileOptimize struct {
	ScaleUpMinROAS        float64  `yaml:"scale_up_min_roas"`
	ScaleDownMaxROAS      float64  `yaml:"scale_down_max_roas"`
	PauseROAS             float64  `yaml:"pause_roas"`
	MaxDailyChangePct     float64  `yaml:"max_daily_change_pct"`
	MinConfidence         float64  `yaml:"min_confidence"`
	MaxActionsPerCampaign int      `yaml:"max_actions_per_campaign"`
	ReallocateMinAds      int      `yaml:"reallocate_min_ads"`
	ReallocateThreshold   float64  `yaml:"reallocate_threshold"`
	CooldownWindow        duration `yaml:"cooldown_window"`
	EmbargoPeriod         duration `yaml:"embargo_period"`
	ActionTTL             duration `yaml:"action_ttl"`
	LookbackDays          int      `yaml:"lookback_days"`
}

type filePolicy struct {
	MaxAutoChangePct     float64  `yaml:"max_auto_change_pct"`
	MaxDailyChangePct    float64  `yaml:"max_daily_change_pct"`
	MaxCampaignBudgetUSD float64  `yaml:"max_campaign_budget_usd"`
	HardStopROAS         float64  `yaml:"hard_stop_roas"`
	HardStopConfidence   float64  `yaml:"hard_stop_confidence"`
	MinSpendUSD          float64  `yaml:"min_spend_usd"`
	HomeCountry          string   `yaml:"home_country"`
	MinHomePct           float64  `yaml:"min_home_pct"`
	MaxSingleCountryPct  float64  `yaml:"max_single_country_pct"`
	CreativeEmbargo      duration `yaml:"creative_embargo"`
}

type fileSafety struct {
	MaxDailySpendUSD       float64  `yaml:"max_daily_spend_usd"`
	MinAge                 duration `yaml:"min_age"`
	MinImpressions         int64    `yaml:"min_impressions"`
	MinSpendUSD            float64  `yaml:"min_spend_usd"`
	ActionCooldown         duration `yaml:"action_cooldown"`
	SkipCreativeApproval   bool     `yaml:"skip_creative_approval"`
	LowROASThreshold       float64  `yaml:"low_roas_threshold"`
	LowROASConfidenceFloor float64  `yaml:"low_roas_confidence_floor"`
}

type fileWorker struct {
	MaxCampaignsPerTick int      `yaml:"max_campaigns_per_tick"`
	MaxActionsPerTick   int      `yaml:"max_actions_per_tick"`
	AutoMinConfidence   float64  `yaml:"auto_min_confidence"`
	ErrorBackoff        duration `yaml:"error_backoff"`
}

func mirror(c Config) fileConfig {
	return fileConfig{
		Mode:         c.Mode,
		TickInterval: duration(c.TickInterval),
		ROAS:         c.ROAS,
		Optimize: fileOptimize{
			ScaleUpMinROAS:        c.Optimize.ScaleUpMinROAS,
			ScaleDownMaxROAS:      c.Optimize.ScaleDownMaxROAS,
			PauseROAS:             c.Optimize.PauseROAS,
			MaxDailyChangePct:     c.Optimize.MaxDailyChangePct,
			MinConfidence:         c.Optimize.MinConfidence,
			MaxActionsPerCampaign: c.Optimize.MaxActionsPerCampaign,
			ReallocateMinAds:      c.Optimize.ReallocateMinAds,
			ReallocateThreshold:   c.Optimize.ReallocateThreshold,
			CooldownWindow:        duration(c.Optimize.CooldownWindow),
			EmbargoPeriod:         duration(c.Optimize.EmbargoPeriod),
			ActionTTL:             duration(c.Optimize.ActionTTL),
			LookbackDays:          c.Optimize.LookbackDays,
		},
		Policy: filePolicy{
			MaxAutoChangePct:     c.Policy.MaxAutoChangePct,
			MaxDailyChangePct:    c.Policy.MaxDailyChangePct,
			MaxCampaignBudgetUSD: c.Policy.MaxCampaignBudgetUSD,
			HardStopROAS:         c.Policy.HardStopROAS,
			HardStopConfidence:   c.Policy.HardStopConfidence,
			MinSpendUSD:          c.Policy.MinSpendUSD,
			HomeCountry:          c.Policy.HomeCountry,
			MinHomePct:           c.Policy.MinHomePct,
			MaxSingleCountryPct:  c.Policy.MaxSingleCountryPct,
			CreativeEmbargo:      duration(c.Policy.CreativeEmbargo),
		},
		Safety: fileSafety{
			MaxDailySpendUSD:       c.Safety.MaxDailySpendUSD,
			MinAge:                 duration(c.Safety.MinAge),
			MinImpressions:         c.Safety.MinImpressions,
			MinSpendUSD:            c.Safety.MinSpendUSD,
			ActionCooldown:         duration(c.Safety.ActionCooldown),
			SkipCreativeApproval:   c.Safety.SkipCreativeApproval,
			LowROASThreshold:       c.Safety.LowROASThreshold,
			LowROASConfidenceFloor: c.Safety.LowROASConfidenceFloor,
		},
		Worker: fileWorker{
			MaxCampaignsPerTick: c.Worker.MaxCampaignsPerTick,
			MaxActionsPerTick:   c.Worker.MaxActionsPerTick,
			AutoMinConfidence:   c.Worker.AutoMinConfidence,
			ErrorBackoff:        duration(c.Worker.ErrorBackoff),
		},
		Predict: c.Predict,
	}
}

func (f fileConfig) config() Config {
	return Config{
		Mode:         f.Mode,
		TickInterval: time.Duration(f.TickInterval),
		ROAS:         f.ROAS,
		Optimize: OptimizeConfig{
			ScaleUpMinROAS:        f.Optimize.ScaleUpMinROAS,
			ScaleDownMaxROAS:      f.Optimize.ScaleDownMaxROAS,
			PauseROAS:             f.Optimize.PauseROAS,
			MaxDailyChangePct:     f.Optimize.MaxDailyChangePct,
			MinConfidence:         f.Optimize.MinConfidence,
			MaxActionsPerCampaign: f.Optimize.MaxActionsPerCampaign,
			ReallocateMinAds:      f.Optimize.ReallocateMinAds,
			ReallocateThreshold:   f.Optimize.ReallocateThreshold,
			CooldownWindow:        time.Duration(f.Optimize.CooldownWindow),
			EmbargoPeriod:         time.Duration(f.Optimize.EmbargoPeriod),
			ActionTTL:             time.Duration(f.Optimize.ActionTTL),
			LookbackDays:          f.Optimize.LookbackDays,
		},
		Policy: PolicyConfig{
			MaxAutoChangePct:     f.Policy.MaxAutoChangePct,
			MaxDailyChangePct:    f.Policy.MaxDailyChangePct,
			MaxCampaignBudgetUSD: f.Policy.MaxCampaignBudgetUSD,
			HardStopROAS:         f.Policy.HardStopROAS,
			HardStopConfidence:   f.Policy.HardStopConfidence,
			MinSpendUSD:          f.Policy.MinSpendUSD,
			HomeCountry:          f.Policy.HomeCountry,
			MinHomePct:           f.Policy.MinHomePct,
			MaxSingleCountryPct:  f.Policy.MaxSingleCountryPct,
			CreativeEmbargo:      time.Duration(f.Policy.CreativeEmbargo),
		},
		Safety: SafetyConfig{
			MaxDailySpendUSD:       f.Safety.MaxDailySpendUSD,
			MinAge:                 time.Duration(f.Safety.MinAge),
			MinImpressions:         f.Safety.MinImpressions,
			MinSpendUSD:            f.Safety.MinSpendUSD,
			ActionCooldown:         time.Duration(f.Safety.ActionCooldown),
			SkipCreativeApproval:   f.Safety.SkipCreativeApproval,
			LowROASThreshold:       f.Safety.LowROASThreshold,
			LowROASConfidenceFloor: f.Safety.LowROASConfidenceFloor,
		},
		Worker: WorkerConfig{
			MaxCampaignsPerTick: f.Worker.MaxCampaignsPerTick,
			MaxActionsPerTick:   f.Worker.MaxActionsPerTick,
			AutoMinConfidence:   f.Worker.AutoMinConfidence,
			ErrorBackoff:        time.Duration(f.Worker.ErrorBackoff),
		},
		Predict: f.Predict,
	}
}

// Load reads a YAML config file and backfills every zero field from the
// defaults, so a partial file only overrides what it names.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("failed to read config file: %w", err)
	}

	file := mirror(Default())
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Default(), fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := file.config()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ROAS.DefaultPriorROAS == 0 {
		c.ROAS.DefaultPriorROAS = def.ROAS.DefaultPriorROAS
	}
	if c.ROAS.PriorWeightBase == 0 {
		c.ROAS.PriorWeightBase = def.ROAS.PriorWeightBase
	}
	if c.ROAS.MinSampleSize == 0 {
		c.ROAS.MinSampleSize = def.ROAS.MinSampleSize
	}
	if c.ROAS.BootstrapResamples == 0 {
		c.ROAS.BootstrapResamples = def.ROAS.BootstrapResamples
	}
	if c.ROAS.DefaultWindowDays == 0 {
		c.ROAS.DefaultWindowDays = def.ROAS.DefaultWindowDays
	}
	if c.Optimize.CooldownWindow == 0 {
		c.Optimize.CooldownWindow = def.Optimize.CooldownWindow
	}
	if c.Optimize.EmbargoPeriod == 0 {
		c.Optimize.EmbargoPeriod = def.Optimize.EmbargoPeriod
	}
	if c.Optimize.ActionTTL == 0 {
		c.Optimize.ActionTTL = def.Optimize.ActionTTL
	}
	if c.Optimize.MaxActionsPerCampaign == 0 {
		c.Optimize.MaxActionsPerCampaign = def.Optimize.MaxActionsPerCampaign
	}
	if c.Worker.MaxCampaignsPerTick == 0 {
		c.Worker.MaxCampaignsPerTick = def.Worker.MaxCampaignsPerTick
	}
	if c.Worker.MaxActionsPerTick == 0 {
		c.Worker.MaxActionsPerTick = def.Worker.MaxActionsPerTick
	}
	if c.Worker.ErrorBackoff == 0 {
		c.Worker.ErrorBackoff = def.Worker.ErrorBackoff
	}
	if c.Safety.ActionCooldown == 0 {
		c.Safety.ActionCooldown = def.Safety.ActionCooldown
	}
	if c.Safety.MinAge == 0 {
		c.Safety.MinAge = def.Safety.MinAge
	}
	if c.Policy.CreativeEmbargo == 0 {
		c.Policy.CreativeEmbargo = def.Policy.CreativeEmbargo
	}
	if c.Predict.EMAAlpha == 0 {
		c.Predict.EMAAlpha = def.Predict.EMAAlpha
	}
	if c.Predict.LookbackDays == 0 {
		c.Predict.LookbackDays = def.Predict.LookbackDays
	}
	if c.Predict.PriorAlpha == 0 {
		c.Predict.PriorAlpha = def.Predict.PriorAlpha
	}
	if c.Predict.PriorBeta == 0 {
		c.Predict.PriorBeta = def.Predict.PriorBeta
	}
}

// Validate rejects configurations that would make the engines misbehave.
func (c Config) Validate() error {
	if c.Mode != ModeSuggest && c.Mode != ModeAuto {
		return fmt.Errorf("invalid mode %q (want suggest or auto)", c.Mode)
	}
	if c.Optimize.MaxDailyChangePct <= 0 || c.Optimize.MaxDailyChangePct > 1 {
		return fmt.Errorf("max_daily_change_pct %.2f out of (0,1]", c.Optimize.MaxDailyChangePct)
	}
	if c.Policy.MaxAutoChangePct > c.Policy.MaxDailyChangePct {
		return fmt.Errorf("auto cap %.2f exceeds manual cap %.2f", c.Policy.MaxAutoChangePct, c.Policy.MaxDailyChangePct)
	}
	if c.ROAS.BootstrapResamples < 1 {
		return fmt.Errorf("bootstrap_resamples must be positive")
	}
	return nil
}
