package settlement

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmoss/hedgebot/internal/budget"
	"github.com/calebmoss/hedgebot/internal/domain"
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

// fillAt fills every sell at the requested price with a deterministic ID.
func fillAt() submitFunc {
	n := 0
	return func(_ context.Context, req domain.OrderRequest) domain.LegOutcome {
		n++
		return domain.Filled{
			OrderID: "ord-settle-" + string(req.Side),
			TradeID: "trd-settle-" + string(req.Side),
			Shares:  req.Shares,
			Price:   req.Price,
		}
	}
}

type fixture struct {
	worker    *Worker
	budget    *budget.Manager
	positions *memory.PositionStore
	trades    *memory.TradeStore
	audit     *memory.AuditStore
	prices    *memory.PriceCache
}

func newFixture(t *testing.T, submit submitFunc) *fixture {
	t.Helper()
	b := budget.New(d("10.00"))
	positions := memory.NewPositionStore()
	trades := memory.NewTradeStore()
	audit := memory.NewAuditStore()
	prices := memory.NewPriceCache()
	w := NewWorker(submit, positions, trades, audit, prices, nil, b, keylock.New(), Defaults(), testLogger())
	return &fixture{worker: w, budget: b, positions: positions, trades: trades, audit: audit, prices: prices}
}

func leg(side domain.LegSide, shares, price string) *domain.Leg {
	now := time.Now().UTC().Add(-time.Hour)
	s, p := d(shares), d(price)
	return &domain.Leg{
		Side:     side,
		TokenID:  "tok-" + string(side),
		Shares:   s,
		Price:    p,
		Cost:     s.Mul(p),
		OrderID:  "ord-" + string(side),
		TradeID:  "trd-" + string(side),
		FilledAt: &now,
	}
}

func hedgedPosition(resolutionAt time.Time) domain.HedgePosition {
	return domain.HedgePosition{
		ID:           "pos-1",
		MarketID:     "mkt-1",
		ResolutionAt: resolutionAt,
		Yes:          leg(domain.SideYes, "4.1666", "0.47"),
		No:           leg(domain.SideNo, "4.1666", "0.48"),
		State:        domain.StateHedged,
		CreatedAt:    time.Now().UTC().Add(-2 * time.Hour),
	}
}

func TestSweep_SettlesResolvedHedge(t *testing.T) {
	f := newFixture(t, fillAt())
	ctx := context.Background()

	pos := hedgedPosition(time.Now().UTC().Add(-time.Minute))
	require.NoError(t, f.positions.Create(ctx, pos))
	require.NoError(t, f.prices.SetQuote(ctx, domain.PriceQuote{
		MarketID: "mkt-1", YesAsk: d("0.99"), NoAsk: d("0.01"),
		Timestamp: time.Now().UTC(),
	}))

	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, got.State)
	require.NotNil(t, got.RealizedPnL)
	require.NotNil(t, got.ClosedAt)

	// payout 4.1666 * 1.00 against cost 1.999968 + 1.958302.
	wantPnL := d("4.1666").Sub(d("4.1666").Mul(d("0.47")).Add(d("4.1666").Mul(d("0.48"))))
	assert.True(t, got.RealizedPnL.Equal(wantPnL), "got %s want %s", got.RealizedPnL, wantPnL)
	assert.True(t, wantPnL.GreaterThan(d("0.20")) && wantPnL.LessThan(d("0.21")))

	// Proceeds returned to the bankroll; winning sale mirrored once.
	assert.True(t, f.budget.Available().Equal(d("10.00").Add(d("4.1666"))))
	trades, err := f.trades.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideYes, trades[0].Side)
	assert.Equal(t, domain.DirectionSell, trades[0].Direction)
}

func TestSweep_ResolvedIsIdempotent(t *testing.T) {
	f := newFixture(t, fillAt())
	ctx := context.Background()

	require.NoError(t, f.positions.Create(ctx, hedgedPosition(time.Now().UTC().Add(-time.Minute))))
	f.worker.Sweep(ctx)
	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, got.State)

	trades, err := f.trades.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, trades, 1, "second sweep must not sell again")
}

func TestSweep_SkipsHedgedBeforeDeadline(t *testing.T) {
	var calls int
	submit := func(_ context.Context, _ domain.OrderRequest) domain.LegOutcome {
		calls++
		return domain.Rejected{Reason: "should not be called"}
	}
	f := newFixture(t, submit)
	ctx := context.Background()

	require.NoError(t, f.positions.Create(ctx, hedgedPosition(time.Now().UTC().Add(time.Hour))))
	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateHedged, got.State)
	assert.Zero(t, calls)
}

// Without a quote naming the winner, both legs are offered at the payout
// price; the exchange rejects the losing side's sale.
func TestSweep_UnknownWinnerTriesBothLegs(t *testing.T) {
	submit := func(_ context.Context, req domain.OrderRequest) domain.LegOutcome {
		if req.Side == domain.SideYes {
			return domain.Rejected{Reason: "token resolved worthless"}
		}
		return domain.Filled{
			OrderID: "ord-win", TradeID: "trd-win",
			Shares: req.Shares, Price: req.Price,
		}
	}
	f := newFixture(t, submit)
	ctx := context.Background()

	require.NoError(t, f.positions.Create(ctx, hedgedPosition(time.Now().UTC().Add(-time.Minute))))
	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, got.State)

	trades, err := f.trades.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideNo, trades[0].Side)
}

func TestSweep_PayoutSaleFailureLeavesHedged(t *testing.T) {
	submit := func(_ context.Context, _ domain.OrderRequest) domain.LegOutcome {
		return domain.TransportError{Detail: "gateway timeout"}
	}
	f := newFixture(t, submit)
	ctx := context.Background()

	require.NoError(t, f.positions.Create(ctx, hedgedPosition(time.Now().UTC().Add(-time.Minute))))
	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateHedged, got.State, "unconfirmed payout sale is retried next sweep")
	assert.True(t, f.budget.Available().Equal(d("10.00")))
}

func TestSweep_RetriesForceExitSale(t *testing.T) {
	f := newFixture(t, fillAt())
	ctx := context.Background()

	pos := domain.HedgePosition{
		ID:           "pos-exit",
		MarketID:     "mkt-1",
		ResolutionAt: time.Now().UTC().Add(5 * time.Minute),
		No:           leg(domain.SideNo, "4.1666", "0.48"),
		State:        domain.StateForceExit,
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.positions.Create(ctx, pos))
	require.NoError(t, f.prices.SetQuote(ctx, domain.PriceQuote{
		MarketID: "mkt-1", YesAsk: d("0.80"), NoAsk: d("0.20"),
		Timestamp: time.Now().UTC(),
	}))

	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-exit")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, got.State)
	require.NotNil(t, got.RealizedPnL)

	// 4.1666 * (0.20 - 0.48)
	wantPnL := d("4.1666").Mul(d("0.20").Sub(d("0.48")))
	assert.True(t, got.RealizedPnL.Equal(wantPnL), "got %s want %s", got.RealizedPnL, wantPnL)
	assert.True(t, f.budget.Available().Equal(d("10.00").Add(d("4.1666").Mul(d("0.20")))))
}

// A WAITING_FOR_HEDGE position past its resolution deadline gets no more
// quotes, so no exit signal can reach it. The sweep must pick it up and
// liquidate the naked leg instead of leaving it stranded forever.
func TestSweep_StrandedWaitingPastDeadlineForcedOut(t *testing.T) {
	f := newFixture(t, fillAt())
	ctx := context.Background()

	pos := domain.HedgePosition{
		ID:           "pos-stuck",
		MarketID:     "mkt-1",
		ResolutionAt: time.Now().UTC().Add(-time.Minute),
		No:           leg(domain.SideNo, "4.1666", "0.48"),
		State:        domain.StateWaitingForHedge,
		CreatedAt:    time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, f.positions.Create(ctx, pos))

	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, got.State)
	require.NotNil(t, got.RealizedPnL)
	assert.Contains(t, f.audit.Events(), "stranded_position_exited")

	// No quote in the cache; the sale falls back to the leg's entry price.
	assert.True(t, got.RealizedPnL.Equal(decimal.Zero), "got %s", got.RealizedPnL)
	assert.True(t, f.budget.Available().Equal(d("10.00").Add(d("4.1666").Mul(d("0.48")))))
}

func TestSweep_StrandedWaitingBeforeDeadlineUntouched(t *testing.T) {
	var calls int
	submit := func(_ context.Context, _ domain.OrderRequest) domain.LegOutcome {
		calls++
		return domain.Rejected{Reason: "should not be called"}
	}
	f := newFixture(t, submit)
	ctx := context.Background()

	pos := domain.HedgePosition{
		ID:           "pos-waiting",
		MarketID:     "mkt-1",
		ResolutionAt: time.Now().UTC().Add(time.Hour),
		No:           leg(domain.SideNo, "4.1666", "0.48"),
		State:        domain.StateWaitingForHedge,
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.positions.Create(ctx, pos))

	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-waiting")
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaitingForHedge, got.State)
	assert.Zero(t, calls)
}

func TestSweep_ForceExitSaleRejectedStays(t *testing.T) {
	submit := func(_ context.Context, _ domain.OrderRequest) domain.LegOutcome {
		return domain.Rejected{Reason: "no liquidity"}
	}
	f := newFixture(t, submit)
	ctx := context.Background()

	pos := domain.HedgePosition{
		ID:           "pos-exit",
		MarketID:     "mkt-1",
		ResolutionAt: time.Now().UTC().Add(5 * time.Minute),
		No:           leg(domain.SideNo, "4.1666", "0.48"),
		State:        domain.StateForceExit,
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.positions.Create(ctx, pos))

	f.worker.Sweep(ctx)

	got, err := f.positions.GetByID(ctx, "pos-exit")
	require.NoError(t, err)
	assert.Equal(t, domain.StateForceExit, got.State)
	assert.Nil(t, got.RealizedPnL)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, fillAt())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.worker.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
