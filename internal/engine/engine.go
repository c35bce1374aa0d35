// Package engine orchestrates the trading loop: quotes flow in from the
// feed, the detector decides what to do, and execution attempts are
// dispatched as bounded concurrent tasks. The engine also maintains the
// market catalog the executor needs for token routing.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/calebmoss/hedgebot/internal/detector"
	"github.com/calebmoss/hedgebot/internal/domain"
	"github.com/calebmoss/hedgebot/internal/exchange"
	"github.com/calebmoss/hedgebot/internal/executor"
)

// EntryGate is the risk hook consulted before opening new positions and fed
// with realized results. Implemented by risk.Breaker.
type EntryGate interface {
	AllowEntry() bool
	RecordExposure(ctx context.Context, amount decimal.Decimal)
	RecordRealized(ctx context.Context, pnl decimal.Decimal)
}

// Config holds the orchestrator's parameters.
type Config struct {
	Thresholds detector.Thresholds
	// MaxConcurrentExecutions bounds simultaneous execution attempts.
	MaxConcurrentExecutions int64
	// MarketRefreshInterval is the catalog refresh cadence.
	MarketRefreshInterval time.Duration
}

// Engine is the orchestrator. Quotes arrive via HandleQuote; each actionable
// signal becomes one execution task, bounded by a counting semaphore.
type Engine struct {
	exec      *executor.Engine
	positions domain.PositionStore
	markets   exchange.MarketLister
	gate      EntryGate
	sem       *semaphore.Weighted
	cfg       Config
	logger    *slog.Logger

	mu      sync.RWMutex
	catalog map[string]domain.Market

	wg sync.WaitGroup
}

// New creates the orchestrator. gate may be nil.
func New(exec *executor.Engine, positions domain.PositionStore, markets exchange.MarketLister, gate EntryGate, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxConcurrentExecutions < 1 {
		cfg.MaxConcurrentExecutions = 4
	}
	if cfg.MarketRefreshInterval <= 0 {
		cfg.MarketRefreshInterval = time.Minute
	}
	return &Engine{
		exec:      exec,
		positions: positions,
		markets:   markets,
		gate:      gate,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentExecutions),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "engine")),
		catalog:   make(map[string]domain.Market),
	}
}

// Run keeps the market catalog fresh until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.RefreshMarkets(ctx); err != nil {
		e.logger.WarnContext(ctx, "initial market refresh failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(e.cfg.MarketRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.RefreshMarkets(ctx); err != nil {
				e.logger.WarnContext(ctx, "market refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RefreshMarkets reloads the market catalog from the exchange.
func (e *Engine) RefreshMarkets(ctx context.Context) error {
	markets, err := e.markets.ListMarkets(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, m := range markets {
		e.catalog[m.ID] = m
	}
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "market catalog refreshed", slog.Int("markets", len(markets)))
	return nil
}

// SetMarkets seeds the catalog directly. Used by tests and dry runs.
func (e *Engine) SetMarkets(markets ...domain.Market) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range markets {
		e.catalog[m.ID] = m
	}
}

func (e *Engine) market(id string) (domain.Market, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.catalog[id]
	return m, ok
}

// MarketIDs returns the IDs currently in the catalog.
func (e *Engine) MarketIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.catalog))
	for id := range e.catalog {
		ids = append(ids, id)
	}
	return ids
}

// HandleQuote evaluates one quote and dispatches at most one execution task.
// It never blocks the feed: when all execution slots are busy the signal is
// dropped and the next quote re-evaluates the same conditions.
func (e *Engine) HandleQuote(ctx context.Context, quote domain.PriceQuote) {
	market, ok := e.market(quote.MarketID)
	if !ok {
		e.logger.DebugContext(ctx, "quote for unknown market", slog.String("market", quote.MarketID))
		return
	}

	pos := e.openPosition(ctx, quote.MarketID)
	sig, ok := detector.Evaluate(quote, pos, e.cfg.Thresholds)
	if !ok {
		return
	}

	if sig.Kind == detector.SignalEntry && e.gate != nil && !e.gate.AllowEntry() {
		e.logger.InfoContext(ctx, "entry suppressed by circuit breaker",
			slog.String("market", quote.MarketID),
		)
		return
	}

	if !e.sem.TryAcquire(1) {
		e.logger.DebugContext(ctx, "execution slots busy, dropping signal",
			slog.String("market", quote.MarketID),
			slog.String("kind", string(sig.Kind)),
		)
		return
	}

	// Execution tasks survive shutdown cancellation: aborting a dual-leg
	// submission midway is exactly the torn outcome this engine exists to
	// prevent. Drain waits for them instead.
	taskCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.dispatch(taskCtx, market, quote, pos, sig)
	}()
}

// Drain blocks until every in-flight execution task has finished.
func (e *Engine) Drain() {
	e.wg.Wait()
}

func (e *Engine) openPosition(ctx context.Context, marketID string) *domain.HedgePosition {
	pos, err := e.positions.GetOpenByMarket(ctx, marketID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "position lookup failed",
				slog.String("market", marketID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	return &pos
}

func (e *Engine) dispatch(ctx context.Context, market domain.Market, quote domain.PriceQuote, pos *domain.HedgePosition, sig detector.Signal) {
	switch sig.Kind {
	case detector.SignalEntry:
		e.enter(ctx, market, quote, sig)
	case detector.SignalHedgeCompletion:
		if err := e.exec.CompleteHedge(ctx, market, quote, pos.ID); err != nil && !errors.Is(err, domain.ErrMarketBusy) {
			e.logger.ErrorContext(ctx, "hedge completion failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	case detector.SignalForcedExit:
		e.forceExit(ctx, market, quote, pos)
	}
}

// enter opens a hedge attempt. The signal names the cheaper side; when the
// sibling also trades at or below the entry threshold both legs are bought
// in the same attempt.
func (e *Engine) enter(ctx context.Context, market domain.Market, quote domain.PriceQuote, sig detector.Signal) {
	sides := []domain.LegSide{sig.Side}
	other := sig.Side.Opposite()
	if ask := quote.Ask(other); ask.IsPositive() && ask.LessThanOrEqual(e.cfg.Thresholds.EntryPrice) {
		sides = append(sides, other)
	}

	pos, err := e.exec.EnterHedge(ctx, market, quote, sides)
	if err != nil {
		if !errors.Is(err, domain.ErrMarketBusy) {
			e.logger.ErrorContext(ctx, "entry failed",
				slog.String("market", market.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if pos != nil && e.gate != nil {
		e.gate.RecordExposure(ctx, pos.TotalCost())
	}
}

func (e *Engine) forceExit(ctx context.Context, market domain.Market, quote domain.PriceQuote, pos *domain.HedgePosition) {
	if err := e.exec.ForceExit(ctx, market, quote, pos.ID); err != nil {
		if !errors.Is(err, domain.ErrMarketBusy) {
			e.logger.ErrorContext(ctx, "forced exit failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if e.gate == nil {
		return
	}
	closed, err := e.positions.GetByID(ctx, pos.ID)
	if err == nil && closed.State == domain.StateClosed && closed.RealizedPnL != nil {
		e.gate.RecordRealized(ctx, *closed.RealizedPnL)
	}
}
