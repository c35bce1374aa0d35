package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/calebmoss/hedgebot/internal/exchange"
)

// Poller is the REST fallback for markets without a live websocket stream.
// It fetches the market catalog on a fixed interval and pushes every row
// through the same adapter as the websocket path.
type Poller struct {
	markets  exchange.MarketLister
	adapter  *Adapter
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a polling feed.
func NewPoller(markets exchange.MarketLister, adapter *Adapter, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		markets:  markets,
		adapter:  adapter,
		interval: interval,
		logger:   logger.With(slog.String("component", "feed_poller")),
	}
}

// Run polls immediately, then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	markets, err := p.markets.ListMarkets(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "market poll failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	for _, m := range markets {
		p.adapter.HandleSnapshot(ctx, Snapshot{
			MarketID:     m.ID,
			YesAsk:       m.YesAsk,
			NoAsk:        m.NoAsk,
			ResolutionAt: m.ResolutionAt,
			Timestamp:    now,
		})
	}
}
