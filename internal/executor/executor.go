// Package executor places exchange orders for hedge attempts and owns every
// position mutation on the execution path. Its central contract: a fill on
// one leg is recorded to the position store before the aggregate result of a
// multi-leg attempt is evaluated, so a transport fault on a sibling leg can
// never erase knowledge of capital deployed on the exchange.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/budget"
	"github.com/calebmoss/hedgebot/internal/domain"
	"github.com/calebmoss/hedgebot/internal/exchange"
	"github.com/calebmoss/hedgebot/internal/keylock"
)

// Config holds sizing and tranching parameters for execution.
type Config struct {
	// FirstLegMaxUSD caps the capital committed to a single leg.
	FirstLegMaxUSD decimal.Decimal
	// MinTradeSizeUSD is the exchange's minimum order notional; legs below
	// it are not submitted.
	MinTradeSizeUSD decimal.Decimal
	// MaxSlippage is the fractional price tolerance for hedge-completion
	// limit prices (e.g. 0.02 allows paying 2% over the observed ask).
	MaxSlippage decimal.Decimal
	// GradualEntry splits a leg into Tranches back-to-back submissions when
	// the detected spread is at least MinTrancheSpread.
	GradualEntry     bool
	Tranches         int
	MinTrancheSpread decimal.Decimal
}

// Engine executes hedge attempts. All position mutations happen under the
// shared per-market keyed lock, the same lock the settlement worker and
// reconciler take.
type Engine struct {
	exchange  exchange.Submitter
	budget    *budget.Manager
	positions domain.PositionStore
	trades    domain.TradeStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	locks     *keylock.KeyedMutex
	dedup     *MarketDedup
	cfg       Config
	logger    *slog.Logger
}

// NewEngine creates an execution engine.
func NewEngine(
	submitter exchange.Submitter,
	budgetMgr *budget.Manager,
	positions domain.PositionStore,
	trades domain.TradeStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	locks *keylock.KeyedMutex,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.Tranches < 1 {
		cfg.Tranches = 1
	}
	return &Engine{
		exchange:  submitter,
		budget:    budgetMgr,
		positions: positions,
		trades:    trades,
		audit:     audit,
		bus:       bus,
		locks:     locks,
		dedup:     NewMarketDedup(),
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// Dedup exposes the active-execution set for the orchestrating engine.
func (e *Engine) Dedup() *MarketDedup {
	return e.dedup
}

// sharesFor sizes a leg: capital / price truncated to 4 decimal places.
func sharesFor(capital, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return capital.Div(price).Truncate(4)
}

// EnterHedge opens a new hedge attempt on an idle market. sides holds one
// entry (single-leg entry, sibling still outside the entry threshold) or two
// (dual-leg entry). The market is claimed in the dedup set for the duration
// of the attempt; a second concurrent signal is skipped with ErrMarketBusy.
func (e *Engine) EnterHedge(ctx context.Context, market domain.Market, quote domain.PriceQuote, sides []domain.LegSide) (*domain.HedgePosition, error) {
	if !e.dedup.Begin(market.ID) {
		return nil, domain.ErrMarketBusy
	}
	defer e.dedup.End(market.ID)

	var (
		requests []domain.OrderRequest
		total    decimal.Decimal
	)
	for _, side := range sides {
		price := quote.Ask(side)
		shares := sharesFor(e.cfg.FirstLegMaxUSD, price)
		req := domain.OrderRequest{
			MarketID:    market.ID,
			TokenID:     market.TokenID(side),
			Side:        side,
			Direction:   domain.DirectionBuy,
			Shares:      shares,
			Price:       price,
			TimeInForce: domain.TIFFillOrKill,
		}
		if req.Notional().LessThan(e.cfg.MinTradeSizeUSD) {
			continue
		}
		requests = append(requests, req)
		total = total.Add(req.Notional())
	}
	if len(requests) == 0 {
		return nil, nil
	}

	// Budget exhaustion is a normal skip, not an error.
	if _, ok := e.budget.Reserve(total); !ok {
		e.logger.InfoContext(ctx, "reserve failed, skipping opportunity",
			slog.String("market", market.ID),
			slog.String("requested", total.String()),
		)
		return nil, nil
	}

	results := e.submitAll(ctx, requests, quote.Spread())
	return e.recordAttempt(ctx, market, results)
}

// submitAll submits every leg concurrently and joins all outcomes. The join
// never short-circuits: each leg's outcome is observed no matter what
// happened to its siblings.
func (e *Engine) submitAll(ctx context.Context, requests []domain.OrderRequest, spread decimal.Decimal) []legResult {
	results := make([]legResult, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req domain.OrderRequest) {
			defer wg.Done()
			results[i] = e.submitLeg(ctx, req, spread)
		}(i, req)
	}
	wg.Wait()

	return results
}

// legResult collects the outcome(s) of one leg's submission, which may span
// several tranches.
type legResult struct {
	req      domain.OrderRequest
	fills    []domain.Filled
	terminal domain.LegOutcome // last non-filled outcome, nil if all filled
}

func (r legResult) filled() bool {
	return len(r.fills) > 0
}

func (r legResult) filledShares() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.fills {
		total = total.Add(f.Shares)
	}
	return total
}

func (r legResult) filledCost() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.fills {
		total = total.Add(f.Cost())
	}
	return total
}

// avgPrice is the share-weighted average fill price across tranches.
func (r legResult) avgPrice() decimal.Decimal {
	shares := r.filledShares()
	if !shares.IsPositive() {
		return decimal.Zero
	}
	return r.filledCost().Div(shares).Round(6)
}

// submitLeg submits one leg, tranched when gradual entry applies. Tranches
// run back-to-back with no delay; a tranche failure stops the remainder but
// already-filled tranches stand, yielding a smaller, still valid leg.
func (e *Engine) submitLeg(ctx context.Context, req domain.OrderRequest, spread decimal.Decimal) legResult {
	tranches := 1
	if e.cfg.GradualEntry && e.cfg.Tranches > 1 &&
		req.Direction == domain.DirectionBuy &&
		spread.GreaterThanOrEqual(e.cfg.MinTrancheSpread) {
		tranches = e.cfg.Tranches
	}

	if tranches == 1 {
		return e.submitOnce(ctx, req)
	}

	result := legResult{req: req}
	per := req.Shares.Div(decimal.NewFromInt(int64(tranches))).Truncate(4)
	remaining := req.Shares
	for i := 0; i < tranches; i++ {
		shares := per
		if i == tranches-1 {
			shares = remaining
		}
		if !shares.IsPositive() {
			break
		}
		tr := req
		tr.Shares = shares

		switch out := e.safeSubmit(ctx, tr).(type) {
		case domain.Filled:
			result.fills = append(result.fills, out)
			remaining = remaining.Sub(out.Shares)
		default:
			// The price moved or transport broke; stop burning tranches.
			result.terminal = out
			return result
		}
	}
	return result
}

// submitOnce submits one leg as a single order, never tranched. Hedge
// completion and exit sales use this path directly: those orders must fill
// for their full share count or not at all, because a partial fill recorded
// as a complete leg would misstate the position's coverage.
func (e *Engine) submitOnce(ctx context.Context, req domain.OrderRequest) legResult {
	result := legResult{req: req}
	switch out := e.safeSubmit(ctx, req).(type) {
	case domain.Filled:
		result.fills = append(result.fills, out)
	default:
		result.terminal = out
	}
	return result
}

// safeSubmit enforces the submission contract from the executor's side as
// well: even a panicking Submitter implementation is converted to a
// classified TransportError rather than unwinding past a sibling fill.
func (e *Engine) safeSubmit(ctx context.Context, req domain.OrderRequest) (out domain.LegOutcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("submitter panic recovered",
				slog.String("market", req.MarketID),
				slog.String("side", string(req.Side)),
				slog.Any("panic", r),
			)
			out = domain.TransportError{Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	out = e.exchange.SubmitOrder(ctx, req)
	if out == nil {
		out = domain.TransportError{Detail: "submitter returned nil outcome"}
	}
	return out
}

// recordAttempt persists the results of an entry attempt. Fills are recorded
// first; only then is the aggregate state decided and unused reservation
// released.
func (e *Engine) recordAttempt(ctx context.Context, market domain.Market, results []legResult) (*domain.HedgePosition, error) {
	unlock := e.locks.Lock(market.ID)
	defer unlock()

	var pos *domain.HedgePosition
	var firstErr error

	// Pass 1: every fill goes into the store before anything else.
	for _, r := range results {
		if !r.filled() {
			continue
		}
		p, err := e.recordFillLocked(ctx, market.ID, market.ResolutionAt, r)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if p != nil {
			pos = p
		}
		// Reserved-but-unspent remainder of this leg goes back.
		e.budget.Commit(r.filledCost())
		e.budget.Release(r.req.Notional().Sub(r.filledCost()))
	}

	// Pass 2: aggregate bookkeeping for the legs that did not fill.
	for _, r := range results {
		if r.filled() {
			continue
		}
		e.budget.Release(r.req.Notional())
		e.auditOutcome(ctx, market.ID, r)
	}

	if pos != nil {
		e.publish(ctx, "positions", map[string]any{
			"event":       "position_updated",
			"position_id": pos.ID,
			"market":      pos.MarketID,
			"state":       string(pos.State),
		})
	}
	return pos, firstErr
}

// recordFillLocked appends one filled leg to the market's open position,
// creating the position if the market was idle. Caller holds the market lock.
func (e *Engine) recordFillLocked(ctx context.Context, marketID string, resolutionAt time.Time, r legResult) (*domain.HedgePosition, error) {
	now := time.Now().UTC()
	leg := domain.Leg{
		Side:     r.req.Side,
		TokenID:  r.req.TokenID,
		Shares:   r.filledShares(),
		Price:    r.avgPrice(),
		Cost:     r.filledCost(),
		OrderID:  r.fills[0].OrderID,
		TradeID:  r.fills[0].TradeID,
		FilledAt: &now,
	}

	for _, f := range r.fills {
		e.insertTrade(ctx, marketID, r.req, f, now)
	}

	pos, err := e.positions.GetOpenByMarket(ctx, marketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		pos = domain.HedgePosition{
			ID:           uuid.New().String(),
			MarketID:     marketID,
			ResolutionAt: resolutionAt,
			State:        domain.StateWaitingForHedge,
			CreatedAt:    now,
		}
		pos.SetLeg(leg)
		if err := e.positions.Create(ctx, pos); err != nil {
			return nil, fmt.Errorf("executor: create position: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("executor: load position for %s: %w", marketID, err)
	default:
		if pos.Leg(leg.Side).Filled() {
			// A fill for an already-filled side would double-count; leave
			// it to reconciliation and flag loudly.
			e.auditLog(ctx, "duplicate_side_fill", map[string]any{
				"market": marketID, "side": string(leg.Side), "order_id": leg.OrderID,
			})
			return &pos, nil
		}
		pos.SetLeg(leg)
		if err := e.positions.Update(ctx, pos); err != nil {
			return nil, fmt.Errorf("executor: append leg: %w", err)
		}
	}

	// Both sides filled: the hedge is complete.
	if _, unfilled := pos.UnfilledSide(); !unfilled && pos.State == domain.StateWaitingForHedge {
		if err := pos.Transition(domain.StateHedged); err != nil {
			return &pos, fmt.Errorf("executor: hedge transition: %w", err)
		}
		if err := e.positions.Update(ctx, pos); err != nil {
			return &pos, fmt.Errorf("executor: persist hedged state: %w", err)
		}
	}

	e.auditLog(ctx, "leg_filled", map[string]any{
		"position_id": pos.ID,
		"market":      marketID,
		"side":        string(leg.Side),
		"shares":      leg.Shares.String(),
		"price":       leg.Price.String(),
		"cost":        leg.Cost.String(),
		"state":       string(pos.State),
	})
	e.logger.InfoContext(ctx, "leg filled",
		slog.String("position_id", pos.ID),
		slog.String("market", marketID),
		slog.String("side", string(leg.Side)),
		slog.String("shares", leg.Shares.String()),
		slog.String("price", leg.Price.String()),
		slog.String("state", string(pos.State)),
	)
	return &pos, nil
}

// CompleteHedge buys the unfilled side of a waiting position, sized to match
// the filled leg's shares. The limit price tolerates MaxSlippage over the
// observed ask. The order is a single fill-or-kill for the full share count;
// gradual-entry tranching never applies to the completion leg.
func (e *Engine) CompleteHedge(ctx context.Context, market domain.Market, quote domain.PriceQuote, positionID string) error {
	if !e.dedup.Begin(market.ID) {
		return domain.ErrMarketBusy
	}
	defer e.dedup.End(market.ID)

	pos, err := e.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("executor: load position %s: %w", positionID, err)
	}
	if pos.State != domain.StateWaitingForHedge {
		return nil
	}
	side, ok := pos.UnfilledSide()
	if !ok {
		return nil
	}
	filled := pos.FilledLegs()
	if len(filled) == 0 {
		return nil
	}

	ask := quote.Ask(side)
	limit := ask.Mul(decimal.NewFromInt(1).Add(e.cfg.MaxSlippage)).Round(2)
	if limit.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		limit = decimal.RequireFromString("0.99")
	}
	req := domain.OrderRequest{
		MarketID:    market.ID,
		TokenID:     market.TokenID(side),
		Side:        side,
		Direction:   domain.DirectionBuy,
		Shares:      filled[0].Shares,
		Price:       limit,
		TimeInForce: domain.TIFFillOrKill,
	}

	if _, ok := e.budget.Reserve(req.Notional()); !ok {
		e.logger.InfoContext(ctx, "reserve failed for hedge completion, will retry on next quote",
			slog.String("position_id", positionID),
		)
		return nil
	}

	result := e.submitOnce(ctx, req)
	if !result.filled() {
		e.budget.Release(req.Notional())
		e.auditOutcome(ctx, market.ID, result)
		return nil
	}

	e.budget.Commit(result.filledCost())
	e.budget.Release(req.Notional().Sub(result.filledCost()))

	unlock := e.locks.Lock(market.ID)
	defer unlock()
	if _, err := e.recordFillLocked(ctx, market.ID, market.ResolutionAt, result); err != nil {
		return err
	}
	e.publish(ctx, "positions", map[string]any{
		"event":       "hedge_completed",
		"position_id": positionID,
		"market":      market.ID,
	})
	return nil
}

// ForceExit liquidates the filled leg of a waiting position at the best
// available price, accepting any loss. The FORCE_EXIT transition is
// persisted before submission so a crash mid-sale leaves a position the
// settlement worker knows to finish.
func (e *Engine) ForceExit(ctx context.Context, market domain.Market, quote domain.PriceQuote, positionID string) error {
	if !e.dedup.Begin(market.ID) {
		return domain.ErrMarketBusy
	}
	defer e.dedup.End(market.ID)

	unlock := e.locks.Lock(market.ID)
	pos, err := e.positions.GetByID(ctx, positionID)
	if err != nil {
		unlock()
		return fmt.Errorf("executor: load position %s: %w", positionID, err)
	}
	if pos.State != domain.StateWaitingForHedge {
		unlock()
		return nil
	}
	if err := pos.Transition(domain.StateForceExit); err != nil {
		unlock()
		return err
	}
	if err := e.positions.Update(ctx, pos); err != nil {
		unlock()
		return fmt.Errorf("executor: persist force_exit: %w", err)
	}
	unlock()

	legs := pos.FilledLegs()
	if len(legs) == 0 {
		return nil
	}
	leg := legs[0]

	sellPrice := quote.Ask(leg.Side)
	if !sellPrice.IsPositive() {
		sellPrice = leg.Price
	}
	req := domain.OrderRequest{
		MarketID:    market.ID,
		TokenID:     market.TokenID(leg.Side),
		Side:        leg.Side,
		Direction:   domain.DirectionSell,
		Shares:      leg.Shares,
		Price:       sellPrice,
		TimeInForce: domain.TIFImmediateOrCancel,
	}

	result := e.submitOnce(ctx, req)
	if !result.filled() {
		// Still FORCE_EXIT; the settlement worker retries the sale.
		e.auditOutcome(ctx, market.ID, result)
		return nil
	}

	proceeds := result.filledCost()
	return e.CloseExited(ctx, positionID, proceeds, result.fills, req)
}

// CloseExited finalizes a FORCE_EXIT position once its sale is confirmed,
// computing realized PnL from cost minus proceeds and returning the proceeds
// to the budget.
func (e *Engine) CloseExited(ctx context.Context, positionID string, proceeds decimal.Decimal, fills []domain.Filled, req domain.OrderRequest) error {
	unlock := e.locks.Lock(req.MarketID)
	defer unlock()

	pos, err := e.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("executor: load position %s: %w", positionID, err)
	}
	if pos.State != domain.StateForceExit {
		return nil
	}

	now := time.Now().UTC()
	for _, f := range fills {
		e.insertTrade(ctx, req.MarketID, req, f, now)
	}

	pnl := proceeds.Sub(pos.TotalCost())
	if err := pos.Transition(domain.StateClosed); err != nil {
		return err
	}
	pos.ClosedAt = &now
	pos.RealizedPnL = &pnl
	if err := e.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("executor: persist closed: %w", err)
	}

	e.budget.Deposit(proceeds)
	e.auditLog(ctx, "forced_exit_closed", map[string]any{
		"position_id":  pos.ID,
		"market":       pos.MarketID,
		"proceeds":     proceeds.String(),
		"realized_pnl": pnl.String(),
	})
	e.publish(ctx, "positions", map[string]any{
		"event":        "position_closed",
		"position_id":  pos.ID,
		"market":       pos.MarketID,
		"realized_pnl": pnl.String(),
	})
	e.logger.InfoContext(ctx, "forced exit closed",
		slog.String("position_id", pos.ID),
		slog.String("realized_pnl", pnl.String()),
	)
	return nil
}

func (e *Engine) insertTrade(ctx context.Context, marketID string, req domain.OrderRequest, f domain.Filled, at time.Time) {
	err := e.trades.Insert(ctx, domain.ExchangeTrade{
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
		e.logger.WarnContext(ctx, "trade mirror insert failed",
			slog.String("trade_id", f.TradeID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) auditOutcome(ctx context.Context, marketID string, r legResult) {
	if r.terminal == nil {
		return
	}
	event := "leg_rejected"
	if _, ok := r.terminal.(domain.TransportError); ok {
		event = "leg_transport_error"
	}
	e.auditLog(ctx, event, map[string]any{
		"market":  marketID,
		"side":    string(r.req.Side),
		"outcome": r.terminal.String(),
	})
	e.logger.WarnContext(ctx, "leg did not fill",
		slog.String("market", marketID),
		slog.String("side", string(r.req.Side)),
		slog.String("outcome", r.terminal.String()),
	)
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publish(ctx context.Context, channel string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	raw, _ := json.Marshal(payload)
	if err := e.bus.Publish(ctx, channel, raw); err != nil {
		e.logger.WarnContext(ctx, "event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
