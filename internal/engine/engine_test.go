package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmoss/hedgebot/internal/budget"
	"github.com/calebmoss/hedgebot/internal/detector"
	"github.com/calebmoss/hedgebot/internal/domain"
	"github.com/calebmoss/hedgebot/internal/executor"
	"github.com/calebmoss/hedgebot/internal/keylock"
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

type submitFunc func(ctx context.Context, req domain.OrderRequest) domain.LegOutcome

func (f submitFunc) SubmitOrder(ctx context.Context, req domain.OrderRequest) domain.LegOutcome {
	return f(ctx, req)
}

type fakeLister struct {
	markets []domain.Market
}

func (f *fakeLister) ListMarkets(_ context.Context) ([]domain.Market, error) {
	return f.markets, nil
}

type fakeGate struct {
	mu       sync.Mutex
	allow    bool
	exposure decimal.Decimal
	realized []decimal.Decimal
}

func (g *fakeGate) AllowEntry() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allow
}

func (g *fakeGate) RecordExposure(_ context.Context, amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exposure = g.exposure.Add(amount)
}

func (g *fakeGate) RecordRealized(_ context.Context, pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.realized = append(g.realized, pnl)
}

func thresholds() detector.Thresholds {
	return detector.Thresholds{
		EntryPrice:           d("0.48"),
		TrendFilter:          d("0.52"),
		MinEntrySeconds:      600,
		ExitThresholdSeconds: 120,
	}
}

type fixture struct {
	engine    *Engine
	gate      *fakeGate
	positions *memory.PositionStore
	trades    *memory.TradeStore
	budget    *budget.Manager
	submitted *[]domain.OrderRequest
}

func newFixture(t *testing.T, maxConcurrent int64, submit submitFunc) *fixture {
	t.Helper()

	var mu sync.Mutex
	submitted := &[]domain.OrderRequest{}
	recording := submitFunc(func(ctx context.Context, req domain.OrderRequest) domain.LegOutcome {
		mu.Lock()
		*submitted = append(*submitted, req)
		mu.Unlock()
		return submit(ctx, req)
	})

	b := budget.New(d("10.00"))
	positions := memory.NewPositionStore()
	trades := memory.NewTradeStore()
	exec := executor.NewEngine(recording, b, positions, trades, memory.NewAuditStore(), nil, keylock.New(), executor.Config{
		FirstLegMaxUSD:  d("2.00"),
		MinTradeSizeUSD: d("1.00"),
		MaxSlippage:     d("0.02"),
	}, testLogger())

	gate := &fakeGate{allow: true}
	market := domain.Market{
		ID:           "mkt-1",
		YesTokenID:   "tok-yes",
		NoTokenID:    "tok-no",
		ResolutionAt: time.Now().UTC().Add(2 * time.Hour),
	}
	eng := New(exec, positions, &fakeLister{markets: []domain.Market{market}}, gate, Config{
		Thresholds:              thresholds(),
		MaxConcurrentExecutions: maxConcurrent,
	}, testLogger())
	eng.SetMarkets(market)

	return &fixture{engine: eng, gate: gate, positions: positions, trades: trades, budget: b, submitted: submitted}
}

func fill() submitFunc {
	var n int
	var mu sync.Mutex
	return func(_ context.Context, req domain.OrderRequest) domain.LegOutcome {
		mu.Lock()
		n++
		id := n
		mu.Unlock()
		return domain.Filled{
			OrderID: "ord", TradeID: "trd-" + string(req.Side) + "-" + string(rune('0'+id)),
			Shares: req.Shares, Price: req.Price,
		}
	}
}

func quote(yes, no string, secs int64) domain.PriceQuote {
	return domain.PriceQuote{
		MarketID:            "mkt-1",
		YesAsk:              d(yes),
		NoAsk:               d(no),
		SecondsToResolution: secs,
		Timestamp:           time.Now().UTC(),
	}
}

func TestHandleQuote_EntryCreatesPosition(t *testing.T) {
	f := newFixture(t, 4, fill())
	ctx := context.Background()

	f.engine.HandleQuote(ctx, quote("0.60", "0.48", 7200))
	f.engine.Drain()

	pos, err := f.positions.GetOpenByMarket(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaitingForHedge, pos.State)
	require.True(t, pos.No.Filled())
	assert.Equal(t, "tok-no", pos.No.TokenID)

	// Exposure reported to the gate.
	assert.True(t, f.gate.exposure.Equal(pos.TotalCost()))
}

func TestHandleQuote_DualLegWhenBothSidesQualify(t *testing.T) {
	f := newFixture(t, 4, fill())
	ctx := context.Background()

	f.engine.HandleQuote(ctx, quote("0.47", "0.48", 7200))
	f.engine.Drain()

	pos, err := f.positions.GetOpenByMarket(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateHedged, pos.State)
	assert.Len(t, *f.submitted, 2)
}

func TestHandleQuote_BreakerSuppressesEntryOnly(t *testing.T) {
	f := newFixture(t, 4, fill())
	ctx := context.Background()
	f.gate.allow = false

	f.engine.HandleQuote(ctx, quote("0.60", "0.48", 7200))
	f.engine.Drain()
	_, err := f.positions.GetOpenByMarket(ctx, "mkt-1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "tripped breaker blocks new entries")

	// A waiting position is still managed while tripped.
	f.gate.allow = true
	f.engine.HandleQuote(ctx, quote("0.60", "0.48", 7200))
	f.engine.Drain()
	f.gate.allow = false

	f.engine.HandleQuote(ctx, quote("0.47", "0.60", 7200))
	f.engine.Drain()

	pos, err := f.positions.GetOpenByMarket(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateHedged, pos.State, "hedge completion is never gated")
}

func TestHandleQuote_ForcedExitRealizesPnL(t *testing.T) {
	f := newFixture(t, 4, fill())
	ctx := context.Background()

	f.engine.HandleQuote(ctx, quote("0.60", "0.48", 7200))
	f.engine.Drain()

	// Deadline closes in with the hedge incomplete; exit at a loss.
	f.engine.HandleQuote(ctx, quote("0.80", "0.20", 60))
	f.engine.Drain()

	open, err := f.positions.ListByState(ctx, domain.StateClosed)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotNil(t, open[0].RealizedPnL)
	require.Len(t, f.gate.realized, 1)
	assert.True(t, f.gate.realized[0].Equal(*open[0].RealizedPnL))
	assert.True(t, f.gate.realized[0].IsNegative())
}

func TestHandleQuote_UnknownMarketIgnored(t *testing.T) {
	f := newFixture(t, 4, fill())
	ctx := context.Background()

	q := quote("0.60", "0.48", 7200)
	q.MarketID = "mkt-unknown"
	f.engine.HandleQuote(ctx, q)
	f.engine.Drain()

	assert.Empty(t, *f.submitted)
}

func TestHandleQuote_DropsSignalWhenSlotsBusy(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := submitFunc(func(_ context.Context, req domain.OrderRequest) domain.LegOutcome {
		once.Do(func() { close(inFlight) })
		<-release
		return domain.Rejected{Reason: "fok not met"}
	})
	f := newFixture(t, 1, blocking)
	ctx := context.Background()

	f.engine.HandleQuote(ctx, quote("0.60", "0.48", 7200))
	<-inFlight

	// Single slot is occupied; this signal is dropped, not queued.
	f.engine.HandleQuote(ctx, quote("0.60", "0.48", 7200))

	close(release)
	f.engine.Drain()

	assert.Len(t, *f.submitted, 1)
}

func TestRefreshMarkets(t *testing.T) {
	f := newFixture(t, 4, fill())
	require.NoError(t, f.engine.RefreshMarkets(context.Background()))
	assert.Contains(t, f.engine.MarketIDs(), "mkt-1")
}
