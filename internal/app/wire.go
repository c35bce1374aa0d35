package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calebmoss/hedgebot/internal/cache/redis"
	"github.com/calebmoss/hedgebot/internal/config"
	"github.com/calebmoss/hedgebot/internal/domain"
	"github.com/calebmoss/hedgebot/internal/exchange"
	"github.com/calebmoss/hedgebot/internal/store/memory"
	"github.com/calebmoss/hedgebot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency the engine needs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Positions domain.PositionStore
	Trades    domain.TradeStore
	Audit     domain.AuditStore
	Prices    domain.PriceCache
	Bus       domain.SignalBus

	Submitter    exchange.Submitter
	TradeLister  exchange.TradeLister
	MarketLister exchange.MarketLister
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function.
//
// Live mode requires PostgreSQL and Redis. Dry-run mode uses in-memory stores
// and a simulated exchange so the full pipeline runs with zero infrastructure
// and zero capital at risk; market data still comes from the real exchange
// catalog when a base URL is configured.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	client := exchange.NewClient(exchange.ClientConfig{
		BaseURL:       cfg.Exchange.BaseURL,
		APIKey:        cfg.Exchange.APIKey,
		APISecret:     cfg.Exchange.APISecret,
		Timeout:       cfg.Exchange.Timeout.Duration,
		OrdersPerSec:  cfg.Exchange.OrdersPerSec,
		HistoryPerSec: cfg.Exchange.HistoryPerSec,
	}, logger)
	deps.MarketLister = client

	if cfg.DryRun() {
		dry := exchange.NewDryRun(logger)
		deps.Submitter = dry
		deps.TradeLister = dry

		deps.Positions = memory.NewPositionStore()
		deps.Trades = memory.NewTradeStore()
		deps.Audit = memory.NewAuditStore()
		deps.Prices = memory.NewPriceCache()
		return deps, cleanup, nil
	}

	deps.Submitter = client
	deps.TradeLister = client

	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Trades = postgres.NewTradeStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	return deps, cleanup, nil
}
