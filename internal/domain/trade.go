package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeTrade is one fill as reported by the exchange's trade-history API,
// the source of truth for reconciliation. Trades recorded locally at fill
// time mirror this shape so the two sets diff directly on TradeID.
type ExchangeTrade struct {
	TradeID   string
	OrderID   string
	MarketID  string
	Side      LegSide
	Direction OrderDirection
	Shares    decimal.Decimal
	Price     decimal.Decimal
	FilledAt  time.Time
}

// Cost returns the capital moved by the trade.
func (t ExchangeTrade) Cost() decimal.Decimal {
	return t.Shares.Mul(t.Price)
}

// RepairAction classifies what the reconciler did with an untracked trade.
type RepairAction string

const (
	// RepairBackfilled means a new position was synthesized for the trade.
	RepairBackfilled RepairAction = "backfilled"
	// RepairPaired means the trade completed an existing position's hedge.
	RepairPaired RepairAction = "paired"
	// RepairManualReview means the trade could not be applied automatically
	// and was flagged in the audit log.
	RepairManualReview RepairAction = "manual_review"
)

// TradeRepair records the outcome for one untracked trade.
type TradeRepair struct {
	Trade      ExchangeTrade
	Action     RepairAction
	PositionID string
	Note       string
	// Retry marks a repair that failed on a store error. The trade stays
	// untracked so the next pass attempts it again; all other outcomes,
	// manual reviews included, enter the mirror and are reported once.
	Retry bool
}

// ReconciliationReport is the result of one reconciliation pass.
type ReconciliationReport struct {
	AsOf              time.Time
	Lookback          time.Duration
	ExchangeTrades    int
	LocalTrades       int
	UntrackedTrades   []ExchangeTrade
	OrphanedPositions []string
	Repairs           []TradeRepair
}

// Clean reports whether local and exchange records agreed.
func (r ReconciliationReport) Clean() bool {
	return len(r.UntrackedTrades) == 0 && len(r.OrphanedPositions) == 0
}
