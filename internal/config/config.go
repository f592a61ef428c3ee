// Package config handles configuration loading with validation. Files are
// YAML with environment-variable expansion for secrets.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, immutable configuration constructed at startup.
type Config struct {
	Trading     TradingConfig     `yaml:"trading"`
	Risk        RiskConfig        `yaml:"risk"`
	Source      SourceConfig      `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// TradingConfig contains the quoting parameters.
type TradingConfig struct {
	SymbolSrc string `yaml:"symbol_src"`
	SymbolDst string `yaml:"symbol_dst"`

	BaseAssetName  string `yaml:"base_asset"`
	QuoteAssetName string `yaml:"quote_asset"`

	BaseSpreadBps            float64  `yaml:"base_spread_bps"`
	TickSpreadBps            float64  `yaml:"tick_spread_bps"`
	NumLayers                int      `yaml:"num_layers"`
	TotalLiquidity           float64  `yaml:"total_liquidity"`
	LayerLiquidityMultiplier float64  `yaml:"layer_liquidity_multiplier"`
	MinEdgeBps               float64  `yaml:"min_edge_bps"`
	SpreadMinBps             float64  `yaml:"spread_min_bps"`
	SpreadMaxBps             float64  `yaml:"spread_max_bps"`
	SidesEnabled             []string `yaml:"sides_enabled"`

	// Inventory skew
	TargetAssetRatio float64 `yaml:"target_asset_ratio"`
	RatioTolerance   float64 `yaml:"ratio_tolerance"`
	GammaMax         float64 `yaml:"gamma_max"`
	SkewSpreadFactor float64 `yaml:"skew_spread_factor"` // lambda: bps per unit of gamma
	SkewSizeFactor   float64 `yaml:"skew_size_factor"`   // mu: size multiplier per unit of gamma
	SizeMultMin      float64 `yaml:"size_mult_min"`
	SizeMultMax      float64 `yaml:"size_mult_max"`

	// Requote gates
	MinRequoteMs         int     `yaml:"min_requote_ms"`
	RequoteTickThreshold float64 `yaml:"requote_tick_threshold"`
	StaleMs              int     `yaml:"stale_ms"`
	QuoteTTLMs           int     `yaml:"quote_ttl_ms"`

	// Venue precision
	PriceTick string `yaml:"price_tick"`
	QtyStep   string `yaml:"qty_step"`
}

// BaseAsset returns the destination base asset.
func (t TradingConfig) BaseAsset() string { return t.BaseAssetName }

// QuoteAsset returns the destination quote asset.
func (t TradingConfig) QuoteAsset() string { return t.QuoteAssetName }

// SideEnabled reports whether the given side ("bid" or "ask") is quoted.
func (t TradingConfig) SideEnabled(side string) bool {
	for _, s := range t.SidesEnabled {
		if strings.EqualFold(s, side) {
			return true
		}
	}
	return false
}

// RiskConfig contains the pre-trade risk bounds.
type RiskConfig struct {
	MaxPositionSize    float64 `yaml:"max_position_size"`
	MaxDailyLoss       float64 `yaml:"max_daily_loss"`
	MaxOpenOrders      int     `yaml:"max_open_orders"`
	MaxSkew            float64 `yaml:"max_skew"`
	MinQuoteSize       float64 `yaml:"min_quote_size"`
	EmergencyStop      bool    `yaml:"emergency_stop"`
	MaxOrdersPerSecond float64 `yaml:"max_orders_per_second"`
	BurstCapacity      int     `yaml:"burst_capacity"`
	DivergencePct      float64 `yaml:"divergence_pct"`
}

// SourceConfig describes the source market data stream.
type SourceConfig struct {
	WsURL             string `yaml:"ws_url"`
	ReconnectDelaySec int    `yaml:"reconnect_delay_sec"`
	MaxReconnects     int    `yaml:"max_reconnects"`
}

// DestinationConfig describes the destination venue connection.
type DestinationConfig struct {
	APIKey            string `yaml:"api_key"`
	RestURL           string `yaml:"rest_url"`
	StreamURL         string `yaml:"stream_url"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	StreamIdleSec     int    `yaml:"stream_idle_sec"`
}

// SystemConfig contains operational settings.
type SystemConfig struct {
	LogLevel              string `yaml:"log_level"`
	DBPath                string `yaml:"db_path"`
	OutboxWorkers         int    `yaml:"outbox_workers"`
	OutboxMaxRetries      int    `yaml:"outbox_max_retries"`
	OutboxBaseDelayMs     int    `yaml:"outbox_base_delay_ms"`
	OutboxMaxDelayMs      int    `yaml:"outbox_max_delay_ms"`
	StatusIntervalSec     int    `yaml:"status_interval_sec"`
	CleanupIntervalSec    int    `yaml:"cleanup_interval_sec"`
	CheckpointIntervalSec int    `yaml:"checkpoint_interval_sec"`
	ShutdownFlushSec      int    `yaml:"shutdown_flush_sec"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Trading: TradingConfig{
			SymbolSrc:                "ADAUSDT",
			SymbolDst:                "ADAUSDM",
			BaseAssetName:            "ADA",
			QuoteAssetName:           "USDM",
			BaseSpreadBps:            8,
			TickSpreadBps:            10,
			NumLayers:                10,
			TotalLiquidity:           5000,
			LayerLiquidityMultiplier: 1.0,
			MinEdgeBps:               1,
			SpreadMinBps:             1,
			SpreadMaxBps:             200,
			SidesEnabled:             []string{"bid", "ask"},
			TargetAssetRatio:         1.0,
			RatioTolerance:           0.1,
			GammaMax:                 0.5,
			SkewSpreadFactor:         10,
			SkewSizeFactor:           0.8,
			SizeMultMin:              0.2,
			SizeMultMax:              2.0,
			MinRequoteMs:             100,
			RequoteTickThreshold:     0.0001,
			StaleMs:                  5000,
			QuoteTTLMs:               2000,
			PriceTick:                "0.0001",
			QtyStep:                  "1",
		},
		Risk: RiskConfig{
			MaxPositionSize:    5000,
			MaxDailyLoss:       1000,
			MaxOpenOrders:      50,
			MaxSkew:            2000,
			MinQuoteSize:       10,
			EmergencyStop:      false,
			MaxOrdersPerSecond: 5,
			BurstCapacity:      5,
			DivergencePct:      5,
		},
		Source: SourceConfig{
			WsURL:             "wss://stream.binance.com:9443/ws",
			ReconnectDelaySec: 2,
			MaxReconnects:     30,
		},
		Destination: DestinationConfig{
			RestURL:           "https://api.deltadefi.io",
			StreamURL:         "wss://stream.deltadefi.io",
			ConnectTimeoutSec: 5,
			RequestTimeoutSec: 10,
			StreamIdleSec:     180,
		},
		System: SystemConfig{
			LogLevel:              "INFO",
			DBPath:                "mmengine.db",
			OutboxWorkers:         4,
			OutboxMaxRetries:      5,
			OutboxBaseDelayMs:     500,
			OutboxMaxDelayMs:      10000,
			StatusIntervalSec:     30,
			CleanupIntervalSec:    30,
			CheckpointIntervalSec: 300,
			ShutdownFlushSec:      10,
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: false,
			MetricsPort:   9091,
		},
	}
}

// ValidationError reports a configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads a YAML config file, expands ${VAR} environment references and
// validates the result. Unset keys keep their defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes config from raw YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVars replaces ${VAR} references with environment values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	for _, err := range []error{
		c.validateTrading(),
		c.validateRisk(),
		c.validateSystem(),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateTrading() error {
	t := c.Trading
	if t.SymbolSrc == "" || t.SymbolDst == "" {
		return ValidationError{Field: "trading.symbol", Message: "symbol_src and symbol_dst are required"}
	}
	if t.NumLayers < 1 || t.NumLayers > 200 {
		return ValidationError{Field: "trading.num_layers", Value: t.NumLayers, Message: "must be in [1, 200]"}
	}
	if t.TotalLiquidity <= 0 {
		return ValidationError{Field: "trading.total_liquidity", Value: t.TotalLiquidity, Message: "must be positive"}
	}
	if t.BaseSpreadBps < 0 || t.TickSpreadBps < 0 {
		return ValidationError{Field: "trading.spread_bps", Message: "spreads must be non-negative"}
	}
	if t.SpreadMinBps > t.SpreadMaxBps {
		return ValidationError{Field: "trading.spread_min_bps", Value: t.SpreadMinBps, Message: "must not exceed spread_max_bps"}
	}
	if t.GammaMax < 0 || t.GammaMax > 1 {
		return ValidationError{Field: "trading.gamma_max", Value: t.GammaMax, Message: "must be in [0, 1]"}
	}
	if len(t.SidesEnabled) == 0 {
		return ValidationError{Field: "trading.sides_enabled", Message: "at least one side must be enabled"}
	}
	for _, s := range t.SidesEnabled {
		if !strings.EqualFold(s, "bid") && !strings.EqualFold(s, "ask") {
			return ValidationError{Field: "trading.sides_enabled", Value: s, Message: "must be one of: bid, ask"}
		}
	}
	if t.MinRequoteMs < 0 || t.StaleMs <= 0 || t.QuoteTTLMs <= 0 {
		return ValidationError{Field: "trading.timing", Message: "min_requote_ms must be >= 0, stale_ms and quote_ttl_ms positive"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	r := c.Risk
	if r.MaxPositionSize <= 0 {
		return ValidationError{Field: "risk.max_position_size", Value: r.MaxPositionSize, Message: "must be positive"}
	}
	if r.MaxDailyLoss <= 0 {
		return ValidationError{Field: "risk.max_daily_loss", Value: r.MaxDailyLoss, Message: "must be positive"}
	}
	if r.MaxOpenOrders < 1 || r.MaxOpenOrders > 1000 {
		return ValidationError{Field: "risk.max_open_orders", Value: r.MaxOpenOrders, Message: "must be in [1, 1000]"}
	}
	if r.MaxOrdersPerSecond <= 0 {
		return ValidationError{Field: "risk.max_orders_per_second", Value: r.MaxOrdersPerSecond, Message: "must be positive"}
	}
	if r.BurstCapacity < 1 {
		return ValidationError{Field: "risk.burst_capacity", Value: r.BurstCapacity, Message: "must be at least 1"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	s := c.System
	switch strings.ToUpper(s.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{Field: "system.log_level", Value: s.LogLevel, Message: "must be one of: DEBUG INFO WARN ERROR FATAL"}
	}
	if s.DBPath == "" {
		return ValidationError{Field: "system.db_path", Message: "is required"}
	}
	if s.OutboxWorkers < 1 || s.OutboxWorkers > 64 {
		return ValidationError{Field: "system.outbox_workers", Value: s.OutboxWorkers, Message: "must be in [1, 64]"}
	}
	if s.OutboxMaxRetries < 0 {
		return ValidationError{Field: "system.outbox_max_retries", Value: s.OutboxMaxRetries, Message: "must be non-negative"}
	}
	return nil
}

// StaleAge returns the ticker staleness bound as a duration.
func (t TradingConfig) StaleAge() time.Duration {
	return time.Duration(t.StaleMs) * time.Millisecond
}

// MinRequoteInterval returns the requote time gate as a duration.
func (t TradingConfig) MinRequoteInterval() time.Duration {
	return time.Duration(t.MinRequoteMs) * time.Millisecond
}

// QuoteTTL returns the quote lifetime as a duration.
func (t TradingConfig) QuoteTTL() time.Duration {
	return time.Duration(t.QuoteTTLMs) * time.Millisecond
}
