// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/niranjank/dalalbot/internal/models"
)

// Profile defaults. The balanced profile is the documented default; the
// aggressive profile lowers the entry bar and disables the trend filter.
const (
	ProfileConservative = "conservative"
	ProfileBalanced     = "balanced"
	ProfileAggressive   = "aggressive"
)

// Config is the complete application configuration. It is immutable after
// Load: built from file + environment expansion, validated in one place.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Capital     CapitalConfig     `yaml:"capital"`
	Risk        RiskConfig        `yaml:"risk"`
	Signals     SignalsConfig     `yaml:"signals"`
	Cooldowns   CooldownConfig    `yaml:"cooldowns"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	FnO         FnOConfig         `yaml:"fno"`
	Data        DataConfig        `yaml:"data"`
	Broker      BrokerConfig      `yaml:"broker"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Storage     StorageConfig     `yaml:"storage"`
	Symbols     []string          `yaml:"symbols"`
	Sectors     map[string]string `yaml:"sectors"`
}

// EnvironmentConfig defines run mode and logging.
type EnvironmentConfig struct {
	Mode              string `yaml:"mode"`     // paper | live | backtest
	Profile           string `yaml:"profile"`  // conservative | balanced | aggressive
	LogLevel          string `yaml:"log_level"`
	BypassMarketHours bool   `yaml:"bypass_market_hours"` // dev only
}

// CapitalConfig defines the starting cash.
type CapitalConfig struct {
	Initial float64 `yaml:"initial"`
}

// RiskConfig defines position sizing and exit distances.
type RiskConfig struct {
	MaxPositions         int     `yaml:"max_positions"`
	RiskPerTradePct      float64 `yaml:"risk_per_trade_pct"`
	ATRStopMultiplier    float64 `yaml:"atr_stop_multiplier"`
	ATRTargetMultiplier  float64 `yaml:"atr_target_multiplier"`
	TrailingActivation   float64 `yaml:"trailing_activation_multiplier"`
	TrailingStop         float64 `yaml:"trailing_stop_multiplier"`
	MaxPositionValue     float64 `yaml:"max_position_value"`
	MaxTradeRiskPct      float64 `yaml:"max_trade_risk_pct"` // structured option max loss
	SlippageBps          float64 `yaml:"slippage_bps"`       // paper fills
	FallbackStopLossPct  float64 `yaml:"fallback_stop_loss_pct"`
	FallbackTargetPct    float64 `yaml:"fallback_target_pct"`
	MinHoldingPeriodMins int     `yaml:"min_holding_period_mins"`
}

// SignalsConfig defines aggregation thresholds. Zero values are filled from
// the profile.
type SignalsConfig struct {
	MinConfidenceEntry float64 `yaml:"min_confidence_entry"`
	MinConfidenceExit  float64 `yaml:"min_confidence_exit"`
	AgreementEntry     float64 `yaml:"agreement_threshold_entry"`
	AgreementExit      float64 `yaml:"agreement_threshold_exit"`
	TrendFilter        *bool   `yaml:"trend_filter"`
}

// CooldownConfig defines post-exit re-entry delays.
type CooldownConfig struct {
	Normal   string `yaml:"normal"`    // e.g. "15m"
	StopLoss string `yaml:"stop_loss"` // e.g. "30m"
}

// RateLimitConfig defines API pacing and circuit breaker behavior.
type RateLimitConfig struct {
	MaxPerSecond            int    `yaml:"max_per_second"`
	MaxPerMinute            int    `yaml:"max_per_minute"`
	CircuitFailureThreshold uint32 `yaml:"circuit_failure_threshold"`
	CircuitResetTimeout     string `yaml:"circuit_reset_timeout"`
}

// ScheduleConfig defines scan pacing.
type ScheduleConfig struct {
	CheckInterval    string `yaml:"check_interval"`
	OffHoursInterval string `yaml:"off_hours_interval"`
	BatchSize        int    `yaml:"batch_size"`
	InterBatchDelay  string `yaml:"inter_batch_delay"`
}

// FnOConfig defines structured-option trading parameters.
type FnOConfig struct {
	Enabled                   bool     `yaml:"enabled"`
	CorrelationBlockThreshold float64  `yaml:"correlation_block_threshold"`
	MinEntryConfidence        float64  `yaml:"min_entry_confidence"`
	Indices                   []string `yaml:"indices"`
}

// DataConfig defines the market data REST sources. The fallback feed is
// optional.
type DataConfig struct {
	PrimaryURL  string `yaml:"primary_url"`
	FallbackURL string `yaml:"fallback_url"`
	APIKey      string `yaml:"api_key"`
	CacheTTL    string `yaml:"cache_ttl"`
}

// BrokerConfig defines the live order-routing API. Unused in paper and
// backtest modes.
type BrokerConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// TelemetryConfig defines the dashboard sink.
type TelemetryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url"`
	QueueSize int    `yaml:"queue_size"`
}

// StorageConfig defines where state, trades and archives live.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads, expands, decodes and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- user-provided config path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every option at its documented default
// (balanced profile, paper mode). Used by backtests and tests.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = string(models.ModePaper)
	}
	if c.Environment.Profile == "" {
		c.Environment.Profile = ProfileBalanced
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Capital.Initial == 0 {
		c.Capital.Initial = 1_000_000
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 25
	}
	if c.Risk.RiskPerTradePct == 0 {
		c.Risk.RiskPerTradePct = 0.015
	}
	if c.Risk.ATRStopMultiplier == 0 {
		c.Risk.ATRStopMultiplier = 1.8
	}
	if c.Risk.ATRTargetMultiplier == 0 {
		c.Risk.ATRTargetMultiplier = 4.5
	}
	if c.Risk.TrailingActivation == 0 {
		c.Risk.TrailingActivation = 1.3
	}
	if c.Risk.TrailingStop == 0 {
		c.Risk.TrailingStop = 0.7
	}
	if c.Risk.MaxPositionValue == 0 {
		c.Risk.MaxPositionValue = 200_000
	}
	if c.Risk.MaxTradeRiskPct == 0 {
		c.Risk.MaxTradeRiskPct = 0.03
	}
	if c.Risk.FallbackStopLossPct == 0 {
		c.Risk.FallbackStopLossPct = 0.02
	}
	if c.Risk.FallbackTargetPct == 0 {
		c.Risk.FallbackTargetPct = 0.05
	}
	if c.Risk.MinHoldingPeriodMins == 0 {
		c.Risk.MinHoldingPeriodMins = 15
	}

	// Profile fills signal thresholds that the file left unset.
	switch c.Environment.Profile {
	case ProfileConservative:
		if c.Signals.MinConfidenceEntry == 0 {
			c.Signals.MinConfidenceEntry = 0.55
		}
	case ProfileAggressive:
		if c.Signals.MinConfidenceEntry == 0 {
			c.Signals.MinConfidenceEntry = 0.35
		}
		if c.Signals.TrendFilter == nil {
			off := false
			c.Signals.TrendFilter = &off
		}
	default:
		if c.Signals.MinConfidenceEntry == 0 {
			c.Signals.MinConfidenceEntry = 0.45
		}
	}
	if c.Signals.MinConfidenceExit == 0 {
		c.Signals.MinConfidenceExit = 0.25
	}
	if c.Signals.AgreementEntry == 0 {
		c.Signals.AgreementEntry = 0.4
	}
	if c.Signals.AgreementExit == 0 {
		c.Signals.AgreementExit = 0.25
	}
	if c.Signals.TrendFilter == nil {
		on := true
		c.Signals.TrendFilter = &on
	}

	if c.Cooldowns.Normal == "" {
		c.Cooldowns.Normal = "15m"
	}
	if c.Cooldowns.StopLoss == "" {
		c.Cooldowns.StopLoss = "30m"
	}
	if c.RateLimit.MaxPerSecond == 0 {
		c.RateLimit.MaxPerSecond = 3
	}
	if c.RateLimit.MaxPerMinute == 0 {
		c.RateLimit.MaxPerMinute = 60
	}
	if c.RateLimit.CircuitFailureThreshold == 0 {
		c.RateLimit.CircuitFailureThreshold = 5
	}
	if c.RateLimit.CircuitResetTimeout == "" {
		c.RateLimit.CircuitResetTimeout = "60s"
	}
	if c.Schedule.CheckInterval == "" {
		c.Schedule.CheckInterval = "30s"
	}
	if c.Schedule.OffHoursInterval == "" {
		c.Schedule.OffHoursInterval = "300s"
	}
	if c.Schedule.BatchSize == 0 {
		c.Schedule.BatchSize = 10
	}
	if c.Schedule.InterBatchDelay == "" {
		c.Schedule.InterBatchDelay = "300ms"
	}
	if c.FnO.CorrelationBlockThreshold == 0 {
		c.FnO.CorrelationBlockThreshold = 0.9
	}
	if c.FnO.MinEntryConfidence == 0 {
		c.FnO.MinEntryConfidence = 0.5
	}
	if c.Data.CacheTTL == "" {
		c.Data.CacheTTL = "45s"
	}
	if c.Telemetry.QueueSize == 0 {
		c.Telemetry.QueueSize = 1000
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "."
	}
}

// Validate checks every option once, at startup. Invalid config is fatal.
func (c *Config) Validate() error {
	if !models.Mode(c.Environment.Mode).Valid() {
		return fmt.Errorf("environment.mode must be paper, live or backtest")
	}
	switch c.Environment.Profile {
	case ProfileConservative, ProfileBalanced, ProfileAggressive:
	default:
		return fmt.Errorf("environment.profile must be conservative, balanced or aggressive")
	}
	if c.Capital.Initial <= 0 {
		return fmt.Errorf("capital.initial must be > 0")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 0.1 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0, 0.1]")
	}
	if c.Risk.ATRStopMultiplier <= 0 || c.Risk.ATRTargetMultiplier <= c.Risk.ATRStopMultiplier {
		return fmt.Errorf("risk.atr_target_multiplier must exceed risk.atr_stop_multiplier (> 0)")
	}
	if c.Risk.TrailingActivation <= 0 || c.Risk.TrailingStop <= 0 {
		return fmt.Errorf("risk trailing multipliers must be > 0")
	}
	if c.Risk.MaxPositionValue <= 0 {
		return fmt.Errorf("risk.max_position_value must be > 0")
	}
	if c.Signals.MinConfidenceEntry <= c.Signals.MinConfidenceExit {
		return fmt.Errorf("signals.min_confidence_entry must exceed signals.min_confidence_exit")
	}
	if c.Signals.AgreementEntry <= c.Signals.AgreementExit {
		return fmt.Errorf("signals.agreement_threshold_entry must exceed signals.agreement_threshold_exit")
	}
	for _, d := range []struct {
		name, val string
	}{
		{"cooldowns.normal", c.Cooldowns.Normal},
		{"cooldowns.stop_loss", c.Cooldowns.StopLoss},
		{"ratelimit.circuit_reset_timeout", c.RateLimit.CircuitResetTimeout},
		{"schedule.check_interval", c.Schedule.CheckInterval},
		{"schedule.off_hours_interval", c.Schedule.OffHoursInterval},
		{"schedule.inter_batch_delay", c.Schedule.InterBatchDelay},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
	}
	if c.RateLimit.MaxPerSecond <= 0 || c.RateLimit.MaxPerMinute <= 0 {
		return fmt.Errorf("ratelimit buckets must be > 0")
	}
	if c.FnO.CorrelationBlockThreshold <= 0 || c.FnO.CorrelationBlockThreshold > 1 {
		return fmt.Errorf("fno.correlation_block_threshold must be in (0, 1]")
	}
	if _, err := time.ParseDuration(c.Data.CacheTTL); err != nil {
		return fmt.Errorf("data.cache_ttl invalid: %w", err)
	}
	if c.Mode() == models.ModeLive && c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required in live mode")
	}
	if c.Telemetry.Enabled && c.Telemetry.BaseURL == "" {
		return fmt.Errorf("telemetry.base_url is required when telemetry is enabled")
	}
	for _, s := range c.Symbols {
		if !models.ValidEquitySymbol(s) {
			return fmt.Errorf("symbols: %q is not a valid symbol", s)
		}
	}
	return nil
}

// Mode returns the run mode as a typed value.
func (c *Config) Mode() models.Mode {
	return models.Mode(c.Environment.Mode)
}

// IsPaperTrading reports whether orders are simulated.
func (c *Config) IsPaperTrading() bool {
	return c.Mode() != models.ModeLive
}

// TrendFilterEnabled reports whether the scheduler-level trend filter applies.
func (c *Config) TrendFilterEnabled() bool {
	return c.Signals.TrendFilter == nil || *c.Signals.TrendFilter
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// CheckInterval returns the scan cycle length.
func (c *Config) CheckInterval() time.Duration {
	return mustDuration(c.Schedule.CheckInterval, 30*time.Second)
}

// OffHoursInterval returns the closed-market sleep.
func (c *Config) OffHoursInterval() time.Duration {
	return mustDuration(c.Schedule.OffHoursInterval, 5*time.Minute)
}

// InterBatchDelay returns the pause between scan batches.
func (c *Config) InterBatchDelay() time.Duration {
	return mustDuration(c.Schedule.InterBatchDelay, 300*time.Millisecond)
}

// NormalCooldown returns the post-exit cooldown.
func (c *Config) NormalCooldown() time.Duration {
	return mustDuration(c.Cooldowns.Normal, 15*time.Minute)
}

// StopLossCooldown returns the longer cooldown after a stop-loss exit.
func (c *Config) StopLossCooldown() time.Duration {
	return mustDuration(c.Cooldowns.StopLoss, 30*time.Minute)
}

// CircuitResetTimeout returns the breaker open duration.
func (c *Config) CircuitResetTimeout() time.Duration {
	return mustDuration(c.RateLimit.CircuitResetTimeout, time.Minute)
}

// CacheTTL returns the market-data cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return mustDuration(c.Data.CacheTTL, 45*time.Second)
}

// MinHoldingPeriod returns the minimum time before a discretionary sell.
func (c *Config) MinHoldingPeriod() time.Duration {
	return time.Duration(c.Risk.MinHoldingPeriodMins) * time.Minute
}
