// Package feed normalizes external market data into the uniform quote the
// rest of the engine consumes. Raw snapshots arrive from the exchange
// websocket or, as a fallback, from REST polling; both paths converge on the
// Adapter.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// Snapshot is one raw top-of-book observation for a market.
type Snapshot struct {
	MarketID     string
	YesAsk       decimal.Decimal
	NoAsk        decimal.Decimal
	ResolutionAt time.Time
	Timestamp    time.Time
}

// QuoteHandler receives each normalized quote.
type QuoteHandler func(ctx context.Context, quote domain.PriceQuote)

// Adapter validates raw snapshots, converts them to PriceQuotes, caches the
// latest quote per market, and hands them to the handler.
type Adapter struct {
	cache   domain.PriceCache
	handler QuoteHandler
	logger  *slog.Logger
	now     func() time.Time
}

// NewAdapter creates an adapter. cache may be nil.
func NewAdapter(cache domain.PriceCache, handler QuoteHandler, logger *slog.Logger) *Adapter {
	return &Adapter{
		cache:   cache,
		handler: handler,
		logger:  logger.With(slog.String("component", "feed")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var one = decimal.NewFromInt(1)

// HandleSnapshot normalizes one snapshot. Snapshots with prices outside
// (0, 1) or for already-resolved markets are dropped.
func (a *Adapter) HandleSnapshot(ctx context.Context, snap Snapshot) {
	if snap.MarketID == "" {
		return
	}
	if !validAsk(snap.YesAsk) || !validAsk(snap.NoAsk) {
		a.logger.DebugContext(ctx, "dropping snapshot with out-of-range ask",
			slog.String("market", snap.MarketID),
			slog.String("yes_ask", snap.YesAsk.String()),
			slog.String("no_ask", snap.NoAsk.String()),
		)
		return
	}

	now := a.now()
	secs := int64(snap.ResolutionAt.Sub(now) / time.Second)
	if secs < 0 {
		return
	}

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = now
	}
	quote := domain.PriceQuote{
		MarketID:            snap.MarketID,
		YesAsk:              snap.YesAsk,
		NoAsk:               snap.NoAsk,
		SecondsToResolution: secs,
		Timestamp:           ts,
	}

	if a.cache != nil {
		if err := a.cache.SetQuote(ctx, quote); err != nil {
			a.logger.WarnContext(ctx, "price cache write failed",
				slog.String("market", snap.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	if a.handler != nil {
		a.handler(ctx, quote)
	}
}

func validAsk(p decimal.Decimal) bool {
	return p.IsPositive() && p.LessThan(one)
}
