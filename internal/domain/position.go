package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegSide identifies which outcome token a leg holds.
type LegSide string

const (
	SideYes LegSide = "yes"
	SideNo  LegSide = "no"
)

// Opposite returns the complementary side.
func (s LegSide) Opposite() LegSide {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// PositionState is the lifecycle state of a hedge position. The absence of a
// position for a market is the implicit idle state.
type PositionState string

const (
	// StateWaitingForHedge means exactly one leg is filled and the engine is
	// waiting for the sibling side to become cheap enough.
	StateWaitingForHedge PositionState = "waiting_for_hedge"
	// StateHedged means both legs are filled; payout is locked in.
	StateHedged PositionState = "hedged"
	// StateForceExit means time-boxed liquidation of the single filled leg
	// has been initiated.
	StateForceExit PositionState = "force_exit"
	// StateResolved is terminal: the market settled and the payout was claimed.
	StateResolved PositionState = "resolved"
	// StateClosed is terminal: the forced-exit sale was confirmed.
	StateClosed PositionState = "closed"
)

// Terminal reports whether the state admits no further transitions.
func (s PositionState) Terminal() bool {
	return s == StateResolved || s == StateClosed
}

// legalTransitions enumerates every allowed state edge. Anything absent is
// rejected by CanTransition.
var legalTransitions = map[PositionState][]PositionState{
	StateWaitingForHedge: {StateHedged, StateForceExit, StateClosed},
	StateHedged:          {StateResolved},
	StateForceExit:       {StateClosed},
}

// CanTransition reports whether moving from s to next is a legal edge of the
// position state machine.
func (s PositionState) CanTransition(next PositionState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Leg is one filled side of a hedge position. Once recorded a leg is never
// mutated, only read.
type Leg struct {
	Side     LegSide
	TokenID  string
	Shares   decimal.Decimal
	Price    decimal.Decimal
	Cost     decimal.Decimal
	OrderID  string
	TradeID  string
	FilledAt *time.Time
}

// Filled reports whether the leg has a confirmed fill.
func (l *Leg) Filled() bool {
	return l != nil && l.FilledAt != nil
}

// HedgePosition tracks both sides of a dual-leg hedge from first fill to a
// terminal state. Positions are never deleted; they transition to RESOLVED or
// CLOSED and remain for audit.
type HedgePosition struct {
	ID           string
	MarketID     string
	ResolutionAt time.Time
	Yes          *Leg
	No           *Leg
	State        PositionState
	CreatedAt    time.Time
	ClosedAt     *time.Time
	RealizedPnL  *decimal.Decimal
}

// Leg returns the leg for the given side, nil if not recorded.
func (p *HedgePosition) Leg(side LegSide) *Leg {
	if side == SideYes {
		return p.Yes
	}
	return p.No
}

// SetLeg records the leg for its side. It overwrites only a nil slot; a
// recorded leg is append-only by contract, so callers must check first.
func (p *HedgePosition) SetLeg(leg Leg) {
	l := leg
	if leg.Side == SideYes {
		p.Yes = &l
	} else {
		p.No = &l
	}
}

// FilledLegs returns the legs with confirmed fills, YES first.
func (p *HedgePosition) FilledLegs() []Leg {
	var legs []Leg
	if p.Yes.Filled() {
		legs = append(legs, *p.Yes)
	}
	if p.No.Filled() {
		legs = append(legs, *p.No)
	}
	return legs
}

// UnfilledSide returns the side that has no confirmed fill. The second return
// is false when both legs are filled.
func (p *HedgePosition) UnfilledSide() (LegSide, bool) {
	if !p.Yes.Filled() {
		return SideYes, true
	}
	if !p.No.Filled() {
		return SideNo, true
	}
	return "", false
}

// TotalCost sums the cost of every filled leg.
func (p *HedgePosition) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range p.FilledLegs() {
		total = total.Add(leg.Cost)
	}
	return total
}

// Transition moves the position to next, enforcing state-machine legality.
// Terminal states can never be left.
func (p *HedgePosition) Transition(next PositionState) error {
	if !p.State.CanTransition(next) {
		return ErrInvalidTransition
	}
	p.State = next
	return nil
}
