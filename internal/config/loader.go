package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies HEDGEBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known HEDGEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "HEDGEBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.APIKey, "HEDGEBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "HEDGEBOT_EXCHANGE_API_SECRET")
	setDuration(&cfg.Exchange.Timeout, "HEDGEBOT_EXCHANGE_TIMEOUT")
	setFloat64(&cfg.Exchange.OrdersPerSec, "HEDGEBOT_EXCHANGE_ORDERS_PER_SEC")
	setFloat64(&cfg.Exchange.HistoryPerSec, "HEDGEBOT_EXCHANGE_HISTORY_PER_SEC")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "HEDGEBOT_FEED_WS_URL")
	setBool(&cfg.Feed.UsePolling, "HEDGEBOT_FEED_USE_POLLING")
	setDuration(&cfg.Feed.PollInterval, "HEDGEBOT_FEED_POLL_INTERVAL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "HEDGEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "HEDGEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HEDGEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HEDGEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HEDGEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HEDGEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HEDGEBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "HEDGEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "HEDGEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "HEDGEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "HEDGEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HEDGEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HEDGEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "HEDGEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "HEDGEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "HEDGEBOT_REDIS_TLS_ENABLED")

	// ── Budget ──
	setDecimal(&cfg.Budget.TotalMaxUSD, "HEDGEBOT_BUDGET_TOTAL_MAX_USD")

	// ── Detector ──
	setDecimal(&cfg.Detector.EntryPriceThreshold, "HEDGEBOT_DETECTOR_ENTRY_PRICE_THRESHOLD")
	setDecimal(&cfg.Detector.TrendFilterThreshold, "HEDGEBOT_DETECTOR_TREND_FILTER_THRESHOLD")
	setInt64(&cfg.Detector.MinEntrySeconds, "HEDGEBOT_DETECTOR_MIN_ENTRY_SECONDS")
	setInt64(&cfg.Detector.ExitThresholdSeconds, "HEDGEBOT_DETECTOR_EXIT_THRESHOLD_SECONDS")

	// ── Execution ──
	setDecimal(&cfg.Execution.FirstLegMaxUSD, "HEDGEBOT_EXECUTION_FIRST_LEG_MAX_USD")
	setDecimal(&cfg.Execution.MinTradeSizeUSD, "HEDGEBOT_EXECUTION_MIN_TRADE_SIZE_USD")
	setDecimal(&cfg.Execution.MaxSlippage, "HEDGEBOT_EXECUTION_MAX_SLIPPAGE")
	setBool(&cfg.Execution.GradualEntryEnabled, "HEDGEBOT_EXECUTION_GRADUAL_ENTRY_ENABLED")
	setInt(&cfg.Execution.GradualEntryTranches, "HEDGEBOT_EXECUTION_GRADUAL_ENTRY_TRANCHES")
	setDecimal(&cfg.Execution.MinTrancheSpread, "HEDGEBOT_EXECUTION_MIN_TRANCHE_SPREAD")
	setInt64(&cfg.Execution.MaxConcurrentExecutions, "HEDGEBOT_EXECUTION_MAX_CONCURRENT_EXECUTIONS")

	// ── Settlement ──
	setDuration(&cfg.Settlement.Interval, "HEDGEBOT_SETTLEMENT_INTERVAL")
	setDecimal(&cfg.Settlement.PayoutPrice, "HEDGEBOT_SETTLEMENT_PAYOUT_PRICE")
	setDecimal(&cfg.Settlement.WinnerThreshold, "HEDGEBOT_SETTLEMENT_WINNER_THRESHOLD")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "HEDGEBOT_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.Lookback, "HEDGEBOT_RECONCILE_LOOKBACK")
	setBool(&cfg.Reconcile.Repair, "HEDGEBOT_RECONCILE_REPAIR")

	// ── Risk ──
	setDecimal(&cfg.Risk.DailyLossLimit, "HEDGEBOT_RISK_DAILY_LOSS_LIMIT")
	setDecimal(&cfg.Risk.DailyExposureLimit, "HEDGEBOT_RISK_DAILY_EXPOSURE_LIMIT")

	// ── Top-level ──
	setStr(&cfg.Mode, "HEDGEBOT_MODE")
	setStr(&cfg.LogLevel, "HEDGEBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
