package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// DryRun is a simulated exchange for dry-run mode: every decision and
// classified outcome is surfaced without real capital movement. Orders fill
// instantly at the requested price and are remembered so the reconciler and
// settlement worker exercise their full paths against it.
type DryRun struct {
	mu     sync.Mutex
	trades []domain.ExchangeTrade
	logger *slog.Logger
}

// NewDryRun creates a simulated exchange.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{
		logger: logger.With(slog.String("component", "exchange_dryrun")),
	}
}

// SubmitOrder fills the order at its requested price and records the
// simulated trade.
func (d *DryRun) SubmitOrder(ctx context.Context, req domain.OrderRequest) domain.LegOutcome {
	now := time.Now().UTC()
	fill := domain.Filled{
		OrderID: uuid.New().String(),
		TradeID: uuid.New().String(),
		Shares:  req.Shares,
		Price:   req.Price,
	}

	d.mu.Lock()
	d.trades = append(d.trades, domain.ExchangeTrade{
		TradeID:   fill.TradeID,
		OrderID:   fill.OrderID,
		MarketID:  req.MarketID,
		Side:      req.Side,
		Direction: req.Direction,
		Shares:    req.Shares,
		Price:     req.Price,
		FilledAt:  now,
	})
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "dry-run fill",
		slog.String("market", req.MarketID),
		slog.String("side", string(req.Side)),
		slog.String("direction", string(req.Direction)),
		slog.String("shares", req.Shares.String()),
		slog.String("price", req.Price.String()),
	)
	return fill
}

// ListTrades returns the simulated fills since the given time.
func (d *DryRun) ListTrades(ctx context.Context, since time.Time) ([]domain.ExchangeTrade, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []domain.ExchangeTrade
	for _, t := range d.trades {
		if !t.FilledAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

var (
	_ Submitter   = (*DryRun)(nil)
	_ TradeLister = (*DryRun)(nil)
)
