// Package reconcile diffs the local trade mirror against the exchange's
// authoritative trade history and repairs the local record. It is strictly
// read-repair: exchange state is never modified, only the local mirror and
// position store. Running a pass twice over unchanged history yields the
// same end state, because every repair also inserts the mirror row that
// makes the trade tracked on the next pass.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/calebmoss/hedgebot/internal/domain"
	"github.com/calebmoss/hedgebot/internal/exchange"
	"github.com/calebmoss/hedgebot/internal/keylock"
)

// Config holds the reconciler's cadence and lookback window.
type Config struct {
	Interval time.Duration
	Lookback time.Duration
	// Repair enables write-back of synthesized positions. When false the pass
	// only reports divergence.
	Repair bool
}

// Defaults returns the reconciler's default configuration.
func Defaults() Config {
	return Config{
		Interval: 5 * time.Minute,
		Lookback: 24 * time.Hour,
		Repair:   true,
	}
}

// Engine runs periodic reconciliation passes.
type Engine struct {
	exchange  exchange.TradeLister
	positions domain.PositionStore
	trades    domain.TradeStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	locks     *keylock.KeyedMutex
	cfg       Config
	logger    *slog.Logger
}

// NewEngine creates a reconciliation engine. bus may be nil.
func NewEngine(
	lister exchange.TradeLister,
	positions domain.PositionStore,
	trades domain.TradeStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	locks *keylock.KeyedMutex,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = Defaults().Interval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = Defaults().Lookback
	}
	return &Engine{
		exchange:  lister,
		positions: positions,
		trades:    trades,
		audit:     audit,
		bus:       bus,
		locks:     locks,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "reconcile")),
	}
}

// Run reconciles immediately, then on every tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	if _, err := e.Reconcile(ctx); err != nil {
		e.logger.ErrorContext(ctx, "reconciliation pass failed", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil {
				e.logger.ErrorContext(ctx, "reconciliation pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Reconcile performs one pass: fetch the exchange's trade history for the
// lookback window, diff it against the local mirror, repair untracked trades,
// and flag orphaned local positions.
func (e *Engine) Reconcile(ctx context.Context) (domain.ReconciliationReport, error) {
	now := time.Now().UTC()
	since := now.Add(-e.cfg.Lookback)

	exchangeTrades, err := e.exchange.ListTrades(ctx, since)
	if err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("reconcile: fetch history: %w", err)
	}
	local, err := e.trades.ListSince(ctx, since)
	if err != nil {
		return domain.ReconciliationReport{}, fmt.Errorf("reconcile: list local trades: %w", err)
	}

	report := domain.ReconciliationReport{
		AsOf:           now,
		Lookback:       e.cfg.Lookback,
		ExchangeTrades: len(exchangeTrades),
		LocalTrades:    len(local),
	}

	tracked := make(map[string]struct{}, len(local))
	for _, t := range local {
		tracked[t.TradeID] = struct{}{}
	}
	onExchange := make(map[string]struct{}, len(exchangeTrades))
	for _, t := range exchangeTrades {
		onExchange[t.TradeID] = struct{}{}
	}

	var untracked []domain.ExchangeTrade
	for _, t := range exchangeTrades {
		if _, ok := tracked[t.TradeID]; !ok {
			untracked = append(untracked, t)
		}
	}
	// Oldest first, so a market's first leg is backfilled before its second
	// leg is paired.
	sort.Slice(untracked, func(i, j int) bool { return untracked[i].FilledAt.Before(untracked[j].FilledAt) })
	report.UntrackedTrades = untracked

	if e.cfg.Repair {
		for _, t := range untracked {
			report.Repairs = append(report.Repairs, e.repair(ctx, t))
		}
	}

	report.OrphanedPositions = e.findOrphans(ctx, since, onExchange)

	e.record(ctx, report)
	return report, nil
}

// repair applies one untracked trade to the local record. Buys are
// synthesized into positions; sells cannot be attributed to a lifecycle step
// after the fact and are flagged for manual review.
func (e *Engine) repair(ctx context.Context, t domain.ExchangeTrade) domain.TradeRepair {
	var repair domain.TradeRepair
	if t.Direction != domain.DirectionBuy {
		e.auditLog(ctx, "reconcile_manual_review", map[string]any{
			"trade_id": t.TradeID, "market": t.MarketID, "reason": "untracked sell",
		})
		repair = domain.TradeRepair{Trade: t, Action: domain.RepairManualReview, Note: "untracked sell"}
	} else {
		unlock := e.locks.Lock(t.MarketID)
		repair = e.applyBuyLocked(ctx, t)
		unlock()
	}

	// The mirror row makes this trade tracked on the next pass, which is
	// what makes reconciliation idempotent. Reviewed trades enter the mirror
	// too, so a manual-review flag fires once rather than on every pass;
	// only repairs that failed on a store error stay untracked for retry.
	if !repair.Retry {
		if err := e.trades.Insert(ctx, t); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			e.logger.WarnContext(ctx, "mirror insert failed",
				slog.String("trade_id", t.TradeID),
				slog.String("error", err.Error()),
			)
		}
	}
	return repair
}

func (e *Engine) applyBuyLocked(ctx context.Context, t domain.ExchangeTrade) domain.TradeRepair {
	leg := domain.Leg{
		Side:     t.Side,
		Shares:   t.Shares,
		Price:    t.Price,
		Cost:     t.Cost(),
		OrderID:  t.OrderID,
		TradeID:  t.TradeID,
		FilledAt: &t.FilledAt,
	}

	pos, err := e.positions.GetOpenByMarket(ctx, t.MarketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		pos = domain.HedgePosition{
			ID:        uuid.New().String(),
			MarketID:  t.MarketID,
			State:     domain.StateWaitingForHedge,
			CreatedAt: t.FilledAt,
		}
		pos.SetLeg(leg)
		if err := e.positions.Create(ctx, pos); err != nil {
			return domain.TradeRepair{Trade: t, Action: domain.RepairManualReview, Note: "create failed: " + err.Error(), Retry: true}
		}
		e.auditLog(ctx, "reconcile_backfilled", map[string]any{
			"trade_id": t.TradeID, "market": t.MarketID,
			"position_id": pos.ID, "side": string(t.Side),
		})
		e.logger.WarnContext(ctx, "backfilled untracked trade into new position",
			slog.String("trade_id", t.TradeID),
			slog.String("market", t.MarketID),
			slog.String("position_id", pos.ID),
		)
		return domain.TradeRepair{Trade: t, Action: domain.RepairBackfilled, PositionID: pos.ID}

	case err != nil:
		return domain.TradeRepair{Trade: t, Action: domain.RepairManualReview, Note: "load failed: " + err.Error(), Retry: true}
	}

	if pos.Leg(t.Side).Filled() {
		// Two confirmed buys on the same side of one market contradicts the
		// single-position-per-market model; a human decides.
		e.auditLog(ctx, "reconcile_manual_review", map[string]any{
			"trade_id": t.TradeID, "market": t.MarketID,
			"position_id": pos.ID, "reason": "side already filled",
		})
		return domain.TradeRepair{Trade: t, Action: domain.RepairManualReview, PositionID: pos.ID, Note: "side already filled"}
	}

	pos.SetLeg(leg)
	if _, unfilled := pos.UnfilledSide(); !unfilled && pos.State == domain.StateWaitingForHedge {
		if err := pos.Transition(domain.StateHedged); err != nil {
			return domain.TradeRepair{Trade: t, Action: domain.RepairManualReview, PositionID: pos.ID, Note: err.Error()}
		}
	}
	if err := e.positions.Update(ctx, pos); err != nil {
		return domain.TradeRepair{Trade: t, Action: domain.RepairManualReview, PositionID: pos.ID, Note: "update failed: " + err.Error(), Retry: true}
	}
	e.auditLog(ctx, "reconcile_paired", map[string]any{
		"trade_id": t.TradeID, "market": t.MarketID,
		"position_id": pos.ID, "side": string(t.Side), "state": string(pos.State),
	})
	e.logger.WarnContext(ctx, "paired untracked trade into existing position",
		slog.String("trade_id", t.TradeID),
		slog.String("position_id", pos.ID),
		slog.String("state", string(pos.State)),
	)
	return domain.TradeRepair{Trade: t, Action: domain.RepairPaired, PositionID: pos.ID}
}

// findOrphans flags open positions created inside the lookback window whose
// leg fills the exchange does not confirm. Flag only: the position may yet be
// legitimate (e.g. exchange history lag), so nothing is mutated.
func (e *Engine) findOrphans(ctx context.Context, since time.Time, onExchange map[string]struct{}) []string {
	open, err := e.positions.ListByState(ctx, domain.StateWaitingForHedge, domain.StateHedged)
	if err != nil {
		e.logger.ErrorContext(ctx, "list open positions", slog.String("error", err.Error()))
		return nil
	}

	var orphans []string
	for _, pos := range open {
		if pos.CreatedAt.Before(since) {
			continue
		}
		confirmed := true
		for _, leg := range pos.FilledLegs() {
			if _, ok := onExchange[leg.TradeID]; !ok {
				confirmed = false
				break
			}
		}
		if confirmed {
			continue
		}
		orphans = append(orphans, pos.ID)
		e.auditLog(ctx, "reconcile_orphaned_position", map[string]any{
			"position_id": pos.ID, "market": pos.MarketID, "state": string(pos.State),
		})
		e.logger.WarnContext(ctx, "local position not confirmed by exchange history",
			slog.String("position_id", pos.ID),
			slog.String("market", pos.MarketID),
		)
	}
	return orphans
}

// record writes the pass summary to the audit log and the signal bus.
func (e *Engine) record(ctx context.Context, report domain.ReconciliationReport) {
	detail := map[string]any{
		"exchange_trades":    report.ExchangeTrades,
		"local_trades":       report.LocalTrades,
		"untracked_trades":   len(report.UntrackedTrades),
		"orphaned_positions": len(report.OrphanedPositions),
		"repairs":            len(report.Repairs),
		"clean":              report.Clean(),
	}
	e.auditLog(ctx, "reconciliation_report", detail)

	if report.Clean() {
		e.logger.InfoContext(ctx, "reconciliation clean",
			slog.Int("exchange_trades", report.ExchangeTrades),
			slog.Int("local_trades", report.LocalTrades),
		)
	} else {
		e.logger.WarnContext(ctx, "reconciliation divergence repaired",
			slog.Int("untracked_trades", len(report.UntrackedTrades)),
			slog.Int("orphaned_positions", len(report.OrphanedPositions)),
		)
	}

	if e.bus != nil {
		raw, _ := json.Marshal(detail)
		if err := e.bus.Publish(ctx, "reconciliation", raw); err != nil {
			e.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
