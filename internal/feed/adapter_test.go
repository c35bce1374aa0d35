package feed

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmoss/hedgebot/internal/domain"
	"github.com/calebmoss/hedgebot/internal/store/memory"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(discard), nil))
}

func TestAdapter_NormalizesSnapshot(t *testing.T) {
	cache := memory.NewPriceCache()
	var got []domain.PriceQuote
	a := NewAdapter(cache, func(_ context.Context, q domain.PriceQuote) {
		got = append(got, q)
	}, testLogger())

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	a.HandleSnapshot(context.Background(), Snapshot{
		MarketID:     "mkt-1",
		YesAsk:       d("0.52"),
		NoAsk:        d("0.48"),
		ResolutionAt: base.Add(30 * time.Minute),
		Timestamp:    base,
	})

	require.Len(t, got, 1)
	assert.Equal(t, "mkt-1", got[0].MarketID)
	assert.EqualValues(t, 1800, got[0].SecondsToResolution)
	assert.True(t, got[0].Spread().Equal(decimal.Zero))

	cached, err := cache.GetQuote(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.True(t, cached.YesAsk.Equal(d("0.52")))
}

func TestAdapter_DropsInvalidSnapshots(t *testing.T) {
	var calls int
	a := NewAdapter(nil, func(_ context.Context, _ domain.PriceQuote) { calls++ }, testLogger())
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }
	ctx := context.Background()

	// Ask at or above 1.00.
	a.HandleSnapshot(ctx, Snapshot{
		MarketID: "mkt-1", YesAsk: d("1.00"), NoAsk: d("0.48"),
		ResolutionAt: base.Add(time.Hour),
	})
	// Zero ask.
	a.HandleSnapshot(ctx, Snapshot{
		MarketID: "mkt-1", YesAsk: d("0.52"), NoAsk: d("0"),
		ResolutionAt: base.Add(time.Hour),
	})
	// Already resolved.
	a.HandleSnapshot(ctx, Snapshot{
		MarketID: "mkt-1", YesAsk: d("0.52"), NoAsk: d("0.48"),
		ResolutionAt: base.Add(-time.Minute),
	})
	// Missing market ID.
	a.HandleSnapshot(ctx, Snapshot{
		YesAsk: d("0.52"), NoAsk: d("0.48"),
		ResolutionAt: base.Add(time.Hour),
	})

	assert.Zero(t, calls)
}

func TestAdapter_ZeroSecondsAtDeadline(t *testing.T) {
	var got []domain.PriceQuote
	a := NewAdapter(nil, func(_ context.Context, q domain.PriceQuote) {
		got = append(got, q)
	}, testLogger())
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	a.HandleSnapshot(context.Background(), Snapshot{
		MarketID: "mkt-1", YesAsk: d("0.52"), NoAsk: d("0.48"),
		ResolutionAt: base,
	})

	require.Len(t, got, 1)
	assert.EqualValues(t, 0, got[0].SecondsToResolution)
}
