// Package config defines all configuration for the trading agent.
// Config is loaded once at startup: defaults first, then an optional YAML
// file (default: configs/config.yaml), then environment variables. The env
// names are the bare keys the operator surface documents
// (DYNAMIC_INTERVAL_SECONDS, EDGE_MIN, FEE_BP, ...), so env always wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ModelMode selects how the probability mapper derives its distribution.
// Only "spread" (Normal model over the hourly spread) is implemented;
// "bands" is reserved for provider uncertainty bands.
type ModelMode string

const (
	ModelModeSpread ModelMode = "spread"
	ModelModeBands  ModelMode = "bands"
)

// Config is the top-level configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Zeus     ZeusConfig     `mapstructure:"zeus"`
	Market   MarketConfig   `mapstructure:"market"`
	Obs      ObsConfig      `mapstructure:"obs"`
	Store    StoreConfig    `mapstructure:"store"`
	Stations StationsConfig `mapstructure:"stations"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig controls the dynamic engine's cycle loop.
type EngineConfig struct {
	IntervalSeconds int       `mapstructure:"interval_seconds"` // cycle cadence
	LookaheadDays   int       `mapstructure:"lookahead_days"`   // event-day horizon from station-local today
	ModelMode       ModelMode `mapstructure:"model_mode"`
	// SnapshotAlways writes forecast and market snapshots even on cycles
	// that produced no decisions. Decisions snapshots are always gated on a
	// non-empty decision set.
	SnapshotAlways bool `mapstructure:"snapshot_always"`
}

// Interval returns the cycle cadence as a duration.
func (e EngineConfig) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// TradingConfig holds the edge filter, cost model, and sizing caps.
//
//   - EdgeMin: minimum post-cost edge to emit a decision.
//   - FeeBP / SlippageBP: cost constants in basis points.
//   - KellyCap: fraction-of-bankroll ceiling on any single position.
//   - PerMarketCap: absolute USD ceiling per bracket.
//   - LiquidityMin: floor on quoted liquidity before a bracket is tradeable.
//   - DailyBankrollCap: total USD committed across one event day.
type TradingConfig struct {
	EdgeMin          float64 `mapstructure:"edge_min"`
	FeeBP            int     `mapstructure:"fee_bp"`
	SlippageBP       int     `mapstructure:"slippage_bp"`
	KellyCap         float64 `mapstructure:"kelly_cap"`
	PerMarketCap     float64 `mapstructure:"per_market_cap"`
	LiquidityMin     float64 `mapstructure:"liquidity_min"`
	DailyBankrollCap float64 `mapstructure:"daily_bankroll_cap"`
}

// FeeRate returns the fee cost as a probability-scale rate.
func (t TradingConfig) FeeRate() float64 { return float64(t.FeeBP) / 10000 }

// SlippageRate returns the slippage cost as a probability-scale rate.
func (t TradingConfig) SlippageRate() float64 { return float64(t.SlippageBP) / 10000 }

// ZeusConfig points at the hourly forecast provider.
type ZeusConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"` // bearer token
}

// MarketConfig points at the market venue's read APIs.
type MarketConfig struct {
	GammaBaseURL string `mapstructure:"gamma_base_url"` // event/market discovery
	CLOBBaseURL  string `mapstructure:"clob_base_url"`  // midpoint prices
	WSMarketURL  string `mapstructure:"ws_market_url"`  // live price feed (optional)
	FeedEnabled  bool   `mapstructure:"feed_enabled"`   // subscribe the WS feed for fresher mids
}

// ObsConfig points at the hourly observation provider.
type ObsConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// StoreConfig sets the root of all local persistence (snapshots, trade
// ledgers, feature toggles).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SnapshotRoot is the base directory for cycle snapshots.
func (s StoreConfig) SnapshotRoot() string { return s.DataDir + "/snapshots" }

// TradesRoot is the base directory for per-event-day trade ledgers.
func (s StoreConfig) TradesRoot() string { return s.DataDir + "/trades" }

// TogglePath is the feature-toggle file location.
func (s StoreConfig) TogglePath() string { return s.DataDir + "/config/feature_toggles.json" }

// BiasDir holds per-station calibration bias tables.
func (s StoreConfig) BiasDir() string { return s.DataDir + "/config/bias" }

// StationsConfig locates the station registry source.
type StationsConfig struct {
	File string `mapstructure:"file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps documented environment variables to config keys.
var envBindings = map[string]string{
	"engine.interval_seconds":    "DYNAMIC_INTERVAL_SECONDS",
	"engine.lookahead_days":      "DYNAMIC_LOOKAHEAD_DAYS",
	"engine.model_mode":          "MODEL_MODE",
	"engine.snapshot_always":     "SNAPSHOT_ALWAYS",
	"trading.edge_min":           "EDGE_MIN",
	"trading.fee_bp":             "FEE_BP",
	"trading.slippage_bp":        "SLIPPAGE_BP",
	"trading.kelly_cap":          "KELLY_CAP",
	"trading.per_market_cap":     "PER_MARKET_CAP",
	"trading.liquidity_min":      "LIQUIDITY_MIN",
	"trading.daily_bankroll_cap": "DAILY_BANKROLL_CAP",
	"zeus.base_url":              "ZEUS_BASE_URL",
	"zeus.token":                 "ZEUS_API_TOKEN",
	"market.gamma_base_url":      "GAMMA_BASE_URL",
	"market.clob_base_url":       "CLOB_BASE_URL",
	"market.ws_market_url":       "WS_MARKET_URL",
	"market.feed_enabled":        "MARKET_FEED_ENABLED",
	"obs.base_url":               "OBS_BASE_URL",
	"store.data_dir":             "DATA_DIR",
	"stations.file":              "STATIONS_FILE",
	"logging.level":              "LOG_LEVEL",
	"logging.format":             "LOG_FORMAT",
}

// Load reads config with the precedence defaults < YAML file < env.
// A missing YAML file is fine; every key has a default.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("engine.interval_seconds", 900)
	v.SetDefault("engine.lookahead_days", 2)
	v.SetDefault("engine.model_mode", string(ModelModeSpread))
	v.SetDefault("engine.snapshot_always", false)
	v.SetDefault("trading.edge_min", 0.05)
	v.SetDefault("trading.fee_bp", 50)
	v.SetDefault("trading.slippage_bp", 30)
	v.SetDefault("trading.kelly_cap", 0.10)
	v.SetDefault("trading.per_market_cap", 500.0)
	v.SetDefault("trading.liquidity_min", 1000.0)
	v.SetDefault("trading.daily_bankroll_cap", 3000.0)
	v.SetDefault("zeus.base_url", "https://api.zeusweather.com")
	v.SetDefault("zeus.token", "")
	v.SetDefault("market.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("market.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("market.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("market.feed_enabled", false)
	v.SetDefault("obs.base_url", "https://aviationweather.gov/api/data")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("stations.file", "configs/stations.csv")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) && !os.IsNotExist(errors.Unwrap(err)) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges. Violations are config errors: the engine
// refuses to start.
func (c *Config) Validate() error {
	if c.Engine.IntervalSeconds <= 0 {
		return fmt.Errorf("DYNAMIC_INTERVAL_SECONDS must be > 0")
	}
	if c.Engine.LookaheadDays <= 0 {
		return fmt.Errorf("DYNAMIC_LOOKAHEAD_DAYS must be > 0")
	}
	switch c.Engine.ModelMode {
	case ModelModeSpread:
	case ModelModeBands:
		return fmt.Errorf("MODEL_MODE=bands is not implemented")
	default:
		return fmt.Errorf("MODEL_MODE must be one of: spread, bands")
	}
	if c.Trading.EdgeMin < 0 || c.Trading.EdgeMin >= 1 {
		return fmt.Errorf("EDGE_MIN must be in [0, 1)")
	}
	if c.Trading.FeeBP < 0 || c.Trading.SlippageBP < 0 {
		return fmt.Errorf("FEE_BP and SLIPPAGE_BP must be >= 0")
	}
	if c.Trading.KellyCap <= 0 || c.Trading.KellyCap > 1 {
		return fmt.Errorf("KELLY_CAP must be in (0, 1]")
	}
	if c.Trading.PerMarketCap <= 0 {
		return fmt.Errorf("PER_MARKET_CAP must be > 0")
	}
	if c.Trading.DailyBankrollCap <= 0 {
		return fmt.Errorf("DAILY_BANKROLL_CAP must be > 0")
	}
	if c.Zeus.BaseURL == "" {
		return fmt.Errorf("ZEUS_BASE_URL is required")
	}
	if c.Market.GammaBaseURL == "" || c.Market.CLOBBaseURL == "" {
		return fmt.Errorf("GAMMA_BASE_URL and CLOB_BASE_URL are required")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.Stations.File == "" {
		return fmt.Errorf("STATIONS_FILE is required")
	}
	if lvl := strings.ToLower(c.Logging.Level); lvl != "debug" && lvl != "info" && lvl != "warn" && lvl != "error" {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	return nil
}
