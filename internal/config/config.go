// Package config defines the top-level configuration for the hedge engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by HEDGEBOT_* environment
// variables. Monetary values are TOML strings (e.g. "0.48") decoded into
// decimals; they are never floats.
type Config struct {
	Exchange   ExchangeConfig   `toml:"exchange"`
	Feed       FeedConfig       `toml:"feed"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Budget     BudgetConfig     `toml:"budget"`
	Detector   DetectorConfig   `toml:"detector"`
	Execution  ExecutionConfig  `toml:"execution"`
	Settlement SettlementConfig `toml:"settlement"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Risk       RiskConfig       `toml:"risk"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ExchangeConfig holds the exchange REST API endpoint and credentials.
type ExchangeConfig struct {
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	APISecret     string   `toml:"api_secret"`
	Timeout       duration `toml:"timeout"`
	OrdersPerSec  float64  `toml:"orders_per_sec"`
	HistoryPerSec float64  `toml:"history_per_sec"`
}

// FeedConfig holds the market-data feed parameters.
type FeedConfig struct {
	WSURL string `toml:"ws_url"`
	// UsePolling selects the REST polling fallback instead of the websocket.
	UsePolling   bool     `toml:"use_polling"`
	PollInterval duration `toml:"poll_interval"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// BudgetConfig caps total deployed capital.
type BudgetConfig struct {
	TotalMaxUSD decimal.Decimal `toml:"total_max_usd"`
}

// DetectorConfig holds the opportunity detection thresholds.
type DetectorConfig struct {
	EntryPriceThreshold  decimal.Decimal `toml:"entry_price_threshold"`
	TrendFilterThreshold decimal.Decimal `toml:"trend_filter_threshold"`
	MinEntrySeconds      int64           `toml:"min_entry_seconds"`
	ExitThresholdSeconds int64           `toml:"exit_threshold_seconds"`
}

// ExecutionConfig holds order sizing and concurrency parameters.
type ExecutionConfig struct {
	FirstLegMaxUSD          decimal.Decimal `toml:"first_leg_max_usd"`
	MinTradeSizeUSD         decimal.Decimal `toml:"min_trade_size_usd"`
	MaxSlippage             decimal.Decimal `toml:"max_slippage"`
	GradualEntryEnabled     bool            `toml:"gradual_entry_enabled"`
	GradualEntryTranches    int             `toml:"gradual_entry_tranches"`
	MinTrancheSpread        decimal.Decimal `toml:"min_tranche_spread"`
	MaxConcurrentExecutions int64           `toml:"max_concurrent_executions"`
}

// SettlementConfig holds the settlement worker parameters.
type SettlementConfig struct {
	Interval        duration        `toml:"interval"`
	PayoutPrice     decimal.Decimal `toml:"payout_price"`
	WinnerThreshold decimal.Decimal `toml:"winner_threshold"`
}

// ReconcileConfig holds the reconciliation engine parameters.
type ReconcileConfig struct {
	Interval duration `toml:"interval"`
	Lookback duration `toml:"lookback"`
	Repair   bool     `toml:"repair"`
}

// RiskConfig holds the circuit breaker limits. A zero limit disables that
// check.
type RiskConfig struct {
	DailyLossLimit     decimal.Decimal `toml:"daily_loss_limit"`
	DailyExposureLimit decimal.Decimal `toml:"daily_exposure_limit"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:       "https://api.example-exchange.com",
			Timeout:       duration{10 * time.Second},
			OrdersPerSec:  5,
			HistoryPerSec: 1,
		},
		Feed: FeedConfig{
			WSURL:        "wss://stream.example-exchange.com/quotes",
			UsePolling:   false,
			PollInterval: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hedgebot",
			User:          "hedgebot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Budget: BudgetConfig{
			TotalMaxUSD: decimal.RequireFromString("100.00"),
		},
		Detector: DetectorConfig{
			EntryPriceThreshold:  decimal.RequireFromString("0.48"),
			TrendFilterThreshold: decimal.RequireFromString("0.52"),
			MinEntrySeconds:      600,
			ExitThresholdSeconds: 120,
		},
		Execution: ExecutionConfig{
			FirstLegMaxUSD:          decimal.RequireFromString("2.00"),
			MinTradeSizeUSD:         decimal.RequireFromString("1.00"),
			MaxSlippage:             decimal.RequireFromString("0.02"),
			GradualEntryEnabled:     false,
			GradualEntryTranches:    4,
			MinTrancheSpread:        decimal.RequireFromString("0.04"),
			MaxConcurrentExecutions: 4,
		},
		Settlement: SettlementConfig{
			Interval:        duration{30 * time.Second},
			PayoutPrice:     decimal.RequireFromString("1.00"),
			WinnerThreshold: decimal.RequireFromString("0.95"),
		},
		Reconcile: ReconcileConfig{
			Interval: duration{5 * time.Minute},
			Lookback: duration{24 * time.Hour},
			Repair:   true,
		},
		Risk: RiskConfig{
			DailyLossLimit:     decimal.RequireFromString("10.00"),
			DailyExposureLimit: decimal.RequireFromString("50.00"),
		},
		Mode:     "dry_run",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"live":    true,
	"dry_run": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var one = decimal.NewFromInt(1)

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, dry_run)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange — credentials are only fatal when real orders will be placed.
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	if strings.ToLower(c.Mode) == "live" {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			errs = append(errs, "exchange: api_key and api_secret are required for live mode")
		}
	}

	// Feed
	if c.Feed.WSURL == "" && !c.Feed.UsePolling {
		errs = append(errs, "feed: ws_url must not be empty unless use_polling is set")
	}
	if c.Feed.UsePolling && c.Feed.PollInterval.Duration <= 0 {
		errs = append(errs, "feed: poll_interval must be positive when polling")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	// Budget
	if !c.Budget.TotalMaxUSD.IsPositive() {
		errs = append(errs, "budget: total_max_usd must be positive")
	}

	// Detector
	if !c.Detector.EntryPriceThreshold.IsPositive() || c.Detector.EntryPriceThreshold.GreaterThanOrEqual(one) {
		errs = append(errs, "detector: entry_price_threshold must be in (0, 1)")
	}
	if c.Detector.TrendFilterThreshold.LessThan(c.Detector.EntryPriceThreshold) {
		errs = append(errs, "detector: trend_filter_threshold must be >= entry_price_threshold")
	}
	if c.Detector.MinEntrySeconds < 0 {
		errs = append(errs, "detector: min_entry_seconds must be >= 0")
	}
	if c.Detector.ExitThresholdSeconds < 0 {
		errs = append(errs, "detector: exit_threshold_seconds must be >= 0")
	}

	// Execution
	if !c.Execution.FirstLegMaxUSD.IsPositive() {
		errs = append(errs, "execution: first_leg_max_usd must be positive")
	}
	if c.Execution.FirstLegMaxUSD.GreaterThan(c.Budget.TotalMaxUSD) {
		errs = append(errs, "execution: first_leg_max_usd must not exceed budget.total_max_usd")
	}
	if c.Execution.MinTradeSizeUSD.IsNegative() {
		errs = append(errs, "execution: min_trade_size_usd must be >= 0")
	}
	if c.Execution.MaxSlippage.IsNegative() {
		errs = append(errs, "execution: max_slippage must be >= 0")
	}
	if c.Execution.GradualEntryEnabled && c.Execution.GradualEntryTranches < 2 {
		errs = append(errs, "execution: gradual_entry_tranches must be >= 2 when gradual entry is enabled")
	}
	if c.Execution.MaxConcurrentExecutions < 1 {
		errs = append(errs, "execution: max_concurrent_executions must be >= 1")
	}

	// Settlement
	if c.Settlement.Interval.Duration <= 0 {
		errs = append(errs, "settlement: interval must be positive")
	}
	if !c.Settlement.PayoutPrice.IsPositive() || c.Settlement.PayoutPrice.GreaterThan(one) {
		errs = append(errs, "settlement: payout_price must be in (0, 1]")
	}

	// Reconcile
	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be positive")
	}
	if c.Reconcile.Lookback.Duration <= 0 {
		errs = append(errs, "reconcile: lookback must be positive")
	}

	// Risk
	if c.Risk.DailyLossLimit.IsNegative() {
		errs = append(errs, "risk: daily_loss_limit must be >= 0")
	}
	if c.Risk.DailyExposureLimit.IsNegative() {
		errs = append(errs, "risk: daily_exposure_limit must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DryRun reports whether real order submission is suppressed.
func (c *Config) DryRun() bool {
	return strings.ToLower(c.Mode) != "live"
}
