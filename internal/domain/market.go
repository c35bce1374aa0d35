package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market represents a binary-outcome market with a fixed resolution deadline.
// Identity fields are immutable; the best-ask prices and UpdatedAt are
// overwritten on every feed update.
type Market struct {
	ID           string
	Question     string
	YesTokenID   string
	NoTokenID    string
	ResolutionAt time.Time
	YesAsk       decimal.Decimal
	NoAsk        decimal.Decimal
	UpdatedAt    time.Time
}

// TokenID returns the exchange token identifier for the given side.
func (m Market) TokenID(side LegSide) string {
	if side == SideYes {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// Resolved reports whether the market has passed its resolution deadline.
func (m Market) Resolved(now time.Time) bool {
	return !now.Before(m.ResolutionAt)
}

// PriceQuote is the normalized top-of-book tuple the detector evaluates:
// best ask per side plus the remaining time to resolution.
type PriceQuote struct {
	MarketID            string
	YesAsk              decimal.Decimal
	NoAsk               decimal.Decimal
	SecondsToResolution int64
	Timestamp           time.Time
}

// Ask returns the best ask for the given side.
func (q PriceQuote) Ask(side LegSide) decimal.Decimal {
	if side == SideYes {
		return q.YesAsk
	}
	return q.NoAsk
}

// Spread returns the hedge edge: 1.00 minus the combined cost of buying both
// sides. Positive means both legs can be bought below the guaranteed payout.
func (q PriceQuote) Spread() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(q.YesAsk).Sub(q.NoAsk)
}
