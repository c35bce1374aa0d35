// Package settlement runs the background worker that turns resolved and
// force-exited positions into realized cash. It is deliberately independent
// of the circuit breaker: existing positions are always settled, even while
// new entries are halted.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/budget"
	"github.com/calebmoss/hedgebot/internal/domain"
	"github.com/calebmoss/hedgebot/internal/exchange"
	"github.com/calebmoss/hedgebot/internal/keylock"
)

// Config holds the worker's cadence and pricing parameters.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// PayoutPrice is the limit price used when selling a winning leg after
	// resolution. The exchange pays out at 1.00 per share.
	PayoutPrice decimal.Decimal
	// WinnerThreshold is the ask price above which a leg is considered the
	// resolved winner when a fresh quote is available.
	WinnerThreshold decimal.Decimal
}

// Defaults returns the worker's default configuration.
func Defaults() Config {
	return Config{
		Interval:        30 * time.Second,
		PayoutPrice:     decimal.NewFromInt(1),
		WinnerThreshold: decimal.RequireFromString("0.95"),
	}
}

// RealizedRecorder receives each settled position's realized PnL. Feeds the
// daily-loss tracking of the circuit breaker.
type RealizedRecorder interface {
	RecordRealized(ctx context.Context, pnl decimal.Decimal)
}

// Worker sweeps the position store on a fixed interval. Every mutation is
// made under the shared per-market lock, the same lock the execution engine
// takes, so a sweep can never race an in-flight hedge completion.
type Worker struct {
	exchange  exchange.Submitter
	positions domain.PositionStore
	trades    domain.TradeStore
	audit     domain.AuditStore
	prices    domain.PriceCache
	bus       domain.SignalBus
	budget    *budget.Manager
	locks     *keylock.KeyedMutex
	recorder  RealizedRecorder
	cfg       Config
	logger    *slog.Logger
}

// SetRealizedRecorder wires realized PnL reporting. Optional.
func (w *Worker) SetRealizedRecorder(r RealizedRecorder) {
	w.recorder = r
}

// NewWorker creates a settlement worker. prices and bus may be nil.
func NewWorker(
	submitter exchange.Submitter,
	positions domain.PositionStore,
	trades domain.TradeStore,
	audit domain.AuditStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	budgetMgr *budget.Manager,
	locks *keylock.KeyedMutex,
	cfg Config,
	logger *slog.Logger,
) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = Defaults().Interval
	}
	if !cfg.PayoutPrice.IsPositive() {
		cfg.PayoutPrice = Defaults().PayoutPrice
	}
	if !cfg.WinnerThreshold.IsPositive() {
		cfg.WinnerThreshold = Defaults().WinnerThreshold
	}
	return &Worker{
		exchange:  submitter,
		positions: positions,
		trades:    trades,
		audit:     audit,
		prices:    prices,
		bus:       bus,
		budget:    budgetMgr,
		locks:     locks,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "settlement")),
	}
}

// Run sweeps immediately, then on every tick until ctx is cancelled. A sweep
// in progress finishes before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep settles every HEDGED position past its resolution deadline, moves
// WAITING_FOR_HEDGE positions stranded past their deadline into the
// forced-exit path, and retries the sale for every FORCE_EXIT position.
// Re-sweeping positions that already reached a terminal state is a no-op.
func (w *Worker) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	hedged, err := w.positions.ListByState(ctx, domain.StateHedged)
	if err != nil {
		w.logger.ErrorContext(ctx, "list hedged positions", slog.String("error", err.Error()))
	}
	for _, pos := range hedged {
		if pos.ResolutionAt.After(now) {
			continue
		}
		if err := w.settleResolved(ctx, pos); err != nil {
			w.logger.ErrorContext(ctx, "settle position",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	waiting, err := w.positions.ListByState(ctx, domain.StateWaitingForHedge)
	if err != nil {
		w.logger.ErrorContext(ctx, "list waiting positions", slog.String("error", err.Error()))
	}
	for _, pos := range waiting {
		// Zero ResolutionAt means a backfilled position with an unknown
		// deadline; it re-enters the normal lifecycle instead.
		if pos.ResolutionAt.IsZero() || pos.ResolutionAt.After(now) {
			continue
		}
		if err := w.exitStranded(ctx, pos); err != nil {
			w.logger.ErrorContext(ctx, "exit stranded position",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	exits, err := w.positions.ListByState(ctx, domain.StateForceExit)
	if err != nil {
		w.logger.ErrorContext(ctx, "list force_exit positions", slog.String("error", err.Error()))
	}
	for _, pos := range exits {
		if err := w.retryExit(ctx, pos); err != nil {
			w.logger.ErrorContext(ctx, "retry forced exit",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// settleResolved sells the winning leg of a hedged position at the payout
// price and transitions it to RESOLVED. When no fresh quote identifies the
// winner, both legs are offered; the loser's sale is rejected by the
// exchange and only the winner's proceeds are realized.
func (w *Worker) settleResolved(ctx context.Context, stale domain.HedgePosition) error {
	unlock := w.locks.Lock(stale.MarketID)
	pos, err := w.positions.GetByID(ctx, stale.ID)
	if err != nil {
		unlock()
		return fmt.Errorf("settlement: load position %s: %w", stale.ID, err)
	}
	if pos.State != domain.StateHedged {
		unlock()
		return nil
	}
	unlock()

	candidates := w.winnerCandidates(ctx, pos)
	for _, leg := range candidates {
		req := domain.OrderRequest{
			MarketID:    pos.MarketID,
			TokenID:     leg.TokenID,
			Side:        leg.Side,
			Direction:   domain.DirectionSell,
			Shares:      leg.Shares,
			Price:       w.cfg.PayoutPrice,
			TimeInForce: domain.TIFImmediateOrCancel,
		}
		out := w.submit(ctx, req)
		fill, ok := out.(domain.Filled)
		if !ok {
			w.logger.WarnContext(ctx, "payout sale did not fill, will retry",
				slog.String("position_id", pos.ID),
				slog.String("side", string(leg.Side)),
				slog.String("outcome", out.String()),
			)
			continue
		}
		return w.finalize(ctx, pos.ID, pos.MarketID, domain.StateResolved, fill, req, "position_resolved")
	}
	return nil
}

// exitStranded moves a WAITING_FOR_HEDGE position past its resolution
// deadline into the forced-exit path. The feed drops quotes for resolved
// markets, so no exit signal can reach such a position any more; the sweep
// is the only component left that can liquidate the naked leg.
func (w *Worker) exitStranded(ctx context.Context, stale domain.HedgePosition) error {
	unlock := w.locks.Lock(stale.MarketID)
	pos, err := w.positions.GetByID(ctx, stale.ID)
	if err != nil {
		unlock()
		return fmt.Errorf("settlement: load position %s: %w", stale.ID, err)
	}
	if pos.State != domain.StateWaitingForHedge {
		unlock()
		return nil
	}
	if err := pos.Transition(domain.StateForceExit); err != nil {
		unlock()
		return err
	}
	if err := w.positions.Update(ctx, pos); err != nil {
		unlock()
		return fmt.Errorf("settlement: persist force_exit: %w", err)
	}
	unlock()

	w.auditLog(ctx, "stranded_position_exited", map[string]any{
		"position_id":   pos.ID,
		"market":        pos.MarketID,
		"resolution_at": pos.ResolutionAt.Format(time.RFC3339),
	})
	w.logger.WarnContext(ctx, "waiting position past resolution, forcing exit",
		slog.String("position_id", pos.ID),
		slog.String("market", pos.MarketID),
	)
	return w.retryExit(ctx, pos)
}

// retryExit finishes a FORCE_EXIT position whose sale has not yet been
// confirmed. The sale is retried at the freshest available price, falling
// back to the leg's entry price when no quote exists.
func (w *Worker) retryExit(ctx context.Context, stale domain.HedgePosition) error {
	unlock := w.locks.Lock(stale.MarketID)
	pos, err := w.positions.GetByID(ctx, stale.ID)
	if err != nil {
		unlock()
		return fmt.Errorf("settlement: load position %s: %w", stale.ID, err)
	}
	if pos.State != domain.StateForceExit {
		unlock()
		return nil
	}
	unlock()

	legs := pos.FilledLegs()
	if len(legs) == 0 {
		// Nothing was ever bought; close at zero.
		return w.closeEmpty(ctx, pos)
	}
	leg := legs[0]

	price := leg.Price
	if w.prices != nil {
		if quote, err := w.prices.GetQuote(ctx, pos.MarketID); err == nil {
			if ask := quote.Ask(leg.Side); ask.IsPositive() {
				price = ask
			}
		}
	}
	req := domain.OrderRequest{
		MarketID:    pos.MarketID,
		TokenID:     leg.TokenID,
		Side:        leg.Side,
		Direction:   domain.DirectionSell,
		Shares:      leg.Shares,
		Price:       price,
		TimeInForce: domain.TIFImmediateOrCancel,
	}
	out := w.submit(ctx, req)
	fill, ok := out.(domain.Filled)
	if !ok {
		w.logger.WarnContext(ctx, "exit sale did not fill, will retry",
			slog.String("position_id", pos.ID),
			slog.String("outcome", out.String()),
		)
		return nil
	}
	return w.finalize(ctx, pos.ID, pos.MarketID, domain.StateClosed, fill, req, "forced_exit_closed")
}

// winnerCandidates orders the position's filled legs by settlement priority.
// A fresh quote with an ask at or above the winner threshold identifies the
// winner outright; otherwise every filled leg is a candidate.
func (w *Worker) winnerCandidates(ctx context.Context, pos domain.HedgePosition) []domain.Leg {
	legs := pos.FilledLegs()
	if w.prices == nil || len(legs) < 2 {
		return legs
	}
	quote, err := w.prices.GetQuote(ctx, pos.MarketID)
	if err != nil {
		return legs
	}
	for _, side := range []domain.LegSide{domain.SideYes, domain.SideNo} {
		if quote.Ask(side).GreaterThanOrEqual(w.cfg.WinnerThreshold) {
			ordered := make([]domain.Leg, 0, len(legs))
			for _, leg := range legs {
				if leg.Side == side {
					ordered = append(ordered, leg)
				}
			}
			for _, leg := range legs {
				if leg.Side != side {
					ordered = append(ordered, leg)
				}
			}
			return ordered
		}
	}
	return legs
}

// finalize records the settling sale and moves the position to its terminal
// state under the market lock, depositing the proceeds back into the budget.
func (w *Worker) finalize(ctx context.Context, positionID, marketID string, terminal domain.PositionState, fill domain.Filled, req domain.OrderRequest, event string) error {
	unlock := w.locks.Lock(marketID)
	defer unlock()

	pos, err := w.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("settlement: load position %s: %w", positionID, err)
	}
	if pos.State.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	w.insertTrade(ctx, marketID, req, fill, now)

	proceeds := fill.Cost()
	pnl := proceeds.Sub(pos.TotalCost())
	if err := pos.Transition(terminal); err != nil {
		return err
	}
	pos.ClosedAt = &now
	pos.RealizedPnL = &pnl
	if err := w.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("settlement: persist %s: %w", string(terminal), err)
	}

	w.budget.Deposit(proceeds)
	if w.recorder != nil {
		w.recorder.RecordRealized(ctx, pnl)
	}
	w.auditLog(ctx, event, map[string]any{
		"position_id":  pos.ID,
		"market":       pos.MarketID,
		"proceeds":     proceeds.String(),
		"realized_pnl": pnl.String(),
	})
	w.publish(ctx, map[string]any{
		"event":        event,
		"position_id":  pos.ID,
		"market":       pos.MarketID,
		"realized_pnl": pnl.String(),
	})
	w.logger.InfoContext(ctx, "position settled",
		slog.String("position_id", pos.ID),
		slog.String("state", string(pos.State)),
		slog.String("proceeds", proceeds.String()),
		slog.String("realized_pnl", pnl.String()),
	)
	return nil
}

// closeEmpty closes a FORCE_EXIT position that holds no filled legs.
func (w *Worker) closeEmpty(ctx context.Context, pos domain.HedgePosition) error {
	unlock := w.locks.Lock(pos.MarketID)
	defer unlock()

	current, err := w.positions.GetByID(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("settlement: load position %s: %w", pos.ID, err)
	}
	if current.State != domain.StateForceExit {
		return nil
	}
	now := time.Now().UTC()
	pnl := decimal.Zero
	if err := current.Transition(domain.StateClosed); err != nil {
		return err
	}
	current.ClosedAt = &now
	current.RealizedPnL = &pnl
	if err := w.positions.Update(ctx, current); err != nil {
		return fmt.Errorf("settlement: persist closed: %w", err)
	}
	w.auditLog(ctx, "forced_exit_closed", map[string]any{
		"position_id": current.ID, "market": current.MarketID, "realized_pnl": "0",
	})
	return nil
}

// submit converts a panicking submitter into a classified outcome, mirroring
// the execution engine's boundary contract.
func (w *Worker) submit(ctx context.Context, req domain.OrderRequest) (out domain.LegOutcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("submitter panic recovered",
				slog.String("market", req.MarketID),
				slog.Any("panic", r),
			)
			out = domain.TransportError{Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	out = w.exchange.SubmitOrder(ctx, req)
	if out == nil {
		out = domain.TransportError{Detail: "submitter returned nil outcome"}
	}
	return out
}

func (w *Worker) insertTrade(ctx context.Context, marketID string, req domain.OrderRequest, f domain.Filled, at time.Time) {
	err := w.trades.Insert(ctx, domain.ExchangeTrade{
		TradeID:   f.TradeID,
		OrderID:   f.OrderID,
		MarketID:  marketID,
		Side:      req.Side,
		Direction: req.Direction,
		Shares:    f.Shares,
		Price:     f.Price,
		FilledAt:  at,
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		w.logger.WarnContext(ctx, "trade mirror insert failed",
			slog.String("trade_id", f.TradeID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := w.audit.Log(ctx, event, detail); err != nil {
		w.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) publish(ctx context.Context, payload map[string]any) {
	if w.bus == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	if err := w.bus.Publish(ctx, "positions", raw); err != nil {
		w.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}
