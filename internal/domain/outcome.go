package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LegOutcome is the classified result of a single order submission. The
// exchange boundary always returns one of the three concrete kinds below and
// never lets a transport fault escape as an error or panic; a fault on one
// leg must not be able to suppress knowledge of a sibling leg that filled.
//
// The interface is sealed so consumers can type-switch exhaustively.
type LegOutcome interface {
	legOutcome()
	fmt.Stringer
}

// Filled is a confirmed fill for the submitted shares (or a partial quantity
// when the exchange fills less than requested).
type Filled struct {
	OrderID string
	TradeID string
	Shares  decimal.Decimal
	Price   decimal.Decimal
}

// Rejected means the exchange explicitly declined the order, e.g. a
// fill-or-kill that could not be matched. Expected and non-fatal.
type Rejected struct {
	Reason string
}

// TransportError is a network or protocol fault caught at the submission
// boundary. The order may or may not exist on the exchange; reconciliation
// repairs any divergence.
type TransportError struct {
	Detail string
}

func (Filled) legOutcome()         {}
func (Rejected) legOutcome()       {}
func (TransportError) legOutcome() {}

func (f Filled) String() string {
	return fmt.Sprintf("filled %s @ %s", f.Shares, f.Price)
}

func (r Rejected) String() string {
	return "rejected: " + r.Reason
}

func (t TransportError) String() string {
	return "transport error: " + t.Detail
}

// Cost returns the capital consumed by the fill.
func (f Filled) Cost() decimal.Decimal {
	return f.Shares.Mul(f.Price)
}

// TimeInForce is the order time-in-force policy.
type TimeInForce string

const (
	// TIFFillOrKill executes fully immediately or is rejected. All hedge
	// legs are submitted fill-or-kill so a leg is either fully owned or not
	// owned at all.
	TIFFillOrKill TimeInForce = "FOK"
	// TIFImmediateOrCancel fills what it can immediately and cancels the
	// rest; used for forced-exit sells where any fill is better than none.
	TIFImmediateOrCancel TimeInForce = "IOC"
)

// OrderDirection distinguishes buying a leg from selling one back.
type OrderDirection string

const (
	DirectionBuy  OrderDirection = "buy"
	DirectionSell OrderDirection = "sell"
)

// OrderRequest describes a single leg submission to the exchange.
type OrderRequest struct {
	MarketID    string
	TokenID     string
	Side        LegSide
	Direction   OrderDirection
	Shares      decimal.Decimal
	Price       decimal.Decimal
	TimeInForce TimeInForce
}

// Notional returns the requested capital for the order.
func (r OrderRequest) Notional() decimal.Decimal {
	return r.Shares.Mul(r.Price)
}
