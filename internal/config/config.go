// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CORE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode       string           `mapstructure:"mode"` // "stdio" or "service"
	DryRun     bool             `mapstructure:"dry_run"`
	Venues     []VenueConfig    `mapstructure:"venues"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
}

// VenueConfig holds connection/credential details for one execution venue.
// Credentials are opaque handles supplied externally; the engine never
// parses or derives keys from them.
type VenueConfig struct {
	Name        string        `mapstructure:"name"` // SIMULATED, BINANCE, OKX, BYBIT, COINBASE
	RESTBaseURL string        `mapstructure:"rest_base_url"`
	WSMarketURL string        `mapstructure:"ws_market_url"`
	WSUserURL   string        `mapstructure:"ws_user_url"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	UseTestnet  bool          `mapstructure:"use_testnet"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Simulated-venue tuning, ignored for live venues.
	SimLatency  time.Duration `mapstructure:"sim_latency"`
	SimFeeBps   float64       `mapstructure:"sim_fee_bps"`
	SimSlippage float64       `mapstructure:"sim_slippage"`
}

// RiskConfig sets the base risk thresholds scaled by dynamic multipliers
// (see internal/risk) and the circuit-breaker tuning knobs.
type RiskConfig struct {
	MaxOrderNotional      float64       `mapstructure:"max_order_notional"`
	MaxPositionNotional   float64       `mapstructure:"max_position_notional"`
	MaxLeverage           float64       `mapstructure:"max_leverage"`
	MaxDailyLossPct       float64       `mapstructure:"max_daily_loss_pct"`
	MaxPriceDeviation     float64       `mapstructure:"max_price_deviation"`
	VolBaseline           float64       `mapstructure:"vol_baseline"`
	VolMultiplierK        float64       `mapstructure:"vol_multiplier_k"`
	DrawdownMultiplierK   float64       `mapstructure:"drawdown_multiplier_k"`
	MaxOrderSlippagePct   float64       `mapstructure:"max_order_slippage_pct"`
	LossWindow            time.Duration `mapstructure:"loss_window"`
	LossWindowThreshold   float64       `mapstructure:"loss_window_threshold"`
	ConsecutiveErrorsTrip int           `mapstructure:"consecutive_errors_trip"`
	CooldownAfterTrip     time.Duration `mapstructure:"cooldown_after_trip"`
}

// StrategyConfig tunes the built-in Avellaneda-Stoikov market-making
// strategy registered against the strategy runtime on startup.
type StrategyConfig struct {
	Gamma                   float64       `mapstructure:"gamma"`
	Sigma                   float64       `mapstructure:"sigma"`
	K                       float64       `mapstructure:"k"`
	T                       float64       `mapstructure:"t"`
	DefaultSpreadBps        int           `mapstructure:"default_spread_bps"`
	OrderSizeUSD            float64       `mapstructure:"order_size_usd"`
	RefreshInterval         time.Duration `mapstructure:"refresh_interval"`
	StaleBookTimeout        time.Duration `mapstructure:"stale_book_timeout"`
	FlowWindow              time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold   float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod      time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier float64       `mapstructure:"flow_max_spread_multiplier"`
}

// MarketDataConfig tunes the market data manager's reconnect policy.
type MarketDataConfig struct {
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
	StaleBookReplayCap int           `mapstructure:"stale_book_replay_cap"`
}

// SnapshotConfig controls state persistence cadence and retention.
type SnapshotConfig struct {
	Dir             string        `mapstructure:"dir"`
	Interval        time.Duration `mapstructure:"interval"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	EveryNMutations int           `mapstructure:"every_n_mutations"`
	MaxSnapshots    int           `mapstructure:"max_snapshots"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GatewayConfig controls the service-mode HTTP/WS control surface.
type GatewayConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CORE_VENUE_API_KEY, CORE_VENUE_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("CORE_VENUE_API_KEY"); key != "" && len(cfg.Venues) > 0 {
		cfg.Venues[0].APIKey = key
	}
	if secret := os.Getenv("CORE_VENUE_API_SECRET"); secret != "" && len(cfg.Venues) > 0 {
		cfg.Venues[0].APISecret = secret
	}
	if os.Getenv("CORE_DRY_RUN") == "true" || os.Getenv("CORE_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case "", "stdio", "service":
	default:
		return fmt.Errorf("mode must be one of: stdio, service")
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	if c.Risk.MaxOrderNotional <= 0 {
		return fmt.Errorf("risk.max_order_notional must be > 0")
	}
	if c.Risk.MaxPositionNotional <= 0 {
		return fmt.Errorf("risk.max_position_notional must be > 0")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if c.Strategy.Gamma <= 0 {
		return fmt.Errorf("strategy.gamma must be > 0")
	}
	if c.Strategy.OrderSizeUSD <= 0 {
		return fmt.Errorf("strategy.order_size_usd must be > 0")
	}
	if c.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot.dir is required")
	}
	if c.Snapshot.MaxSnapshots <= 0 {
		return fmt.Errorf("snapshot.max_snapshots must be > 0")
	}
	return nil
}
