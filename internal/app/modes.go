package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/calebmoss/hedgebot/internal/budget"
	"github.com/calebmoss/hedgebot/internal/detector"
	"github.com/calebmoss/hedgebot/internal/engine"
	"github.com/calebmoss/hedgebot/internal/executor"
	"github.com/calebmoss/hedgebot/internal/feed"
	"github.com/calebmoss/hedgebot/internal/keylock"
	"github.com/calebmoss/hedgebot/internal/reconcile"
	"github.com/calebmoss/hedgebot/internal/risk"
	"github.com/calebmoss/hedgebot/internal/settlement"
)

// runEngine builds the full hedge pipeline from wired dependencies and runs
// every worker until ctx is cancelled: price feed, orchestrator, settlement
// sweeps, and reconciliation passes. On shutdown the feed and workers stop
// first, then in-flight executions are drained.
func (a *App) runEngine(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	locks := keylock.New()
	budgetMgr := budget.New(cfg.Budget.TotalMaxUSD)
	breaker := risk.New(risk.Limits{
		DailyLossLimit:     cfg.Risk.DailyLossLimit,
		DailyExposureLimit: cfg.Risk.DailyExposureLimit,
	}, deps.Audit, a.logger)

	exec := executor.NewEngine(
		deps.Submitter, budgetMgr,
		deps.Positions, deps.Trades, deps.Audit, deps.Bus, locks,
		executor.Config{
			FirstLegMaxUSD:   cfg.Execution.FirstLegMaxUSD,
			MinTradeSizeUSD:  cfg.Execution.MinTradeSizeUSD,
			MaxSlippage:      cfg.Execution.MaxSlippage,
			GradualEntry:     cfg.Execution.GradualEntryEnabled,
			Tranches:         cfg.Execution.GradualEntryTranches,
			MinTrancheSpread: cfg.Execution.MinTrancheSpread,
		},
		a.logger,
	)

	orch := engine.New(exec, deps.Positions, deps.MarketLister, breaker, engine.Config{
		Thresholds: detector.Thresholds{
			EntryPrice:           cfg.Detector.EntryPriceThreshold,
			TrendFilter:          cfg.Detector.TrendFilterThreshold,
			MinEntrySeconds:      cfg.Detector.MinEntrySeconds,
			ExitThresholdSeconds: cfg.Detector.ExitThresholdSeconds,
		},
		MaxConcurrentExecutions: cfg.Execution.MaxConcurrentExecutions,
	}, a.logger)

	settle := settlement.NewWorker(
		deps.Submitter, deps.Positions, deps.Trades, deps.Audit,
		deps.Prices, deps.Bus, budgetMgr, locks,
		settlement.Config{
			Interval:        cfg.Settlement.Interval.Duration,
			PayoutPrice:     cfg.Settlement.PayoutPrice,
			WinnerThreshold: cfg.Settlement.WinnerThreshold,
		},
		a.logger,
	)
	settle.SetRealizedRecorder(breaker)

	recon := reconcile.NewEngine(
		deps.TradeLister, deps.Positions, deps.Trades, deps.Audit, deps.Bus, locks,
		reconcile.Config{
			Interval: cfg.Reconcile.Interval.Duration,
			Lookback: cfg.Reconcile.Lookback.Duration,
			Repair:   cfg.Reconcile.Repair,
		},
		a.logger,
	)

	// The initial catalog fetch happens before the feed starts so the
	// websocket subscription has market IDs to watch.
	if err := orch.RefreshMarkets(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial market catalog fetch failed",
			slog.String("error", err.Error()),
		)
	}

	adapter := feed.NewAdapter(deps.Prices, orch.HandleQuote, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return settle.Run(gctx) })
	g.Go(func() error { return recon.Run(gctx) })

	if cfg.Feed.UsePolling || cfg.Feed.WSURL == "" {
		poller := feed.NewPoller(deps.MarketLister, adapter, cfg.Feed.PollInterval.Duration, a.logger)
		g.Go(func() error { return poller.Run(gctx) })
	} else {
		// orch.MarketIDs as a provider: markets added by later catalog
		// refreshes are subscribed on the live connection.
		ws := feed.NewWSFeed(cfg.Feed.WSURL, orch.MarketIDs, adapter, a.logger)
		g.Go(func() error { return ws.Run(gctx) })
	}

	err := g.Wait()

	// Dispatched executions run detached from the feed context; wait for
	// them so no leg fill goes unrecorded.
	orch.Drain()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: engine: %w", err)
	}
	return err
}
