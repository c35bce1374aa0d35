// Package detector evaluates entry, hedge-completion, and forced-exit
// conditions against current prices and position state. Evaluation is pure:
// no side effects, no clocks, no stores. All price comparisons use decimal
// arithmetic so thousands of evaluations per day cannot accumulate
// cent-level float drift.
package detector

import (
	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// SignalKind classifies what the detector wants the engine to do.
type SignalKind string

const (
	// SignalEntry opens a new hedge attempt on an idle market.
	SignalEntry SignalKind = "entry"
	// SignalHedgeCompletion buys the unfilled side of a waiting position.
	SignalHedgeCompletion SignalKind = "hedge_completion"
	// SignalForcedExit liquidates the filled leg of a waiting position
	// because the resolution deadline is too close to keep waiting.
	SignalForcedExit SignalKind = "forced_exit"
)

// Signal is a detected opportunity. Side is the leg to buy for entry and
// hedge completion, and the leg to sell for a forced exit.
type Signal struct {
	Kind     SignalKind
	MarketID string
	Side     domain.LegSide
	Price    decimal.Decimal
	Spread   decimal.Decimal
}

// Thresholds are the configured detection parameters.
type Thresholds struct {
	// EntryPrice is the max price at which a leg is bought (e.g. 0.48).
	EntryPrice decimal.Decimal
	// TrendFilter is the max price the sibling side may trade at for an
	// entry to fire (e.g. 0.52); it rejects markets that have already
	// trended hard toward one outcome.
	TrendFilter decimal.Decimal
	// MinEntrySeconds is the minimum remaining market lifetime for a new
	// entry; hedges need time to complete.
	MinEntrySeconds int64
	// ExitThresholdSeconds is the remaining lifetime at which an unhedged
	// position is force-liquidated regardless of price.
	ExitThresholdSeconds int64
}

// Evaluate inspects one quote against the market's position state (pos is nil
// when the market is idle) and returns the signal to act on, if any.
func Evaluate(quote domain.PriceQuote, pos *domain.HedgePosition, th Thresholds) (Signal, bool) {
	if pos == nil {
		return evaluateEntry(quote, th)
	}

	if pos.State != domain.StateWaitingForHedge {
		// Hedged and terminal positions are the settlement worker's
		// business; force-exit positions already have a sale in flight.
		return Signal{}, false
	}

	// Time-boxed exit wins over everything: price no longer matters when
	// the clock runs out.
	if quote.SecondsToResolution <= th.ExitThresholdSeconds {
		filled := pos.FilledLegs()
		if len(filled) == 0 {
			return Signal{}, false
		}
		return Signal{
			Kind:     SignalForcedExit,
			MarketID: quote.MarketID,
			Side:     filled[0].Side,
			Spread:   quote.Spread(),
		}, true
	}

	unfilled, ok := pos.UnfilledSide()
	if !ok {
		return Signal{}, false
	}
	ask := quote.Ask(unfilled)
	if ask.IsPositive() && ask.LessThanOrEqual(th.EntryPrice) {
		return Signal{
			Kind:     SignalHedgeCompletion,
			MarketID: quote.MarketID,
			Side:     unfilled,
			Price:    ask,
			Spread:   quote.Spread(),
		}, true
	}

	return Signal{}, false
}

// evaluateEntry fires when one side trades at or below the entry threshold
// while the other stays inside the trend filter, with enough time left to
// complete the hedge. When both sides qualify, the cheaper one is bought.
func evaluateEntry(quote domain.PriceQuote, th Thresholds) (Signal, bool) {
	if quote.SecondsToResolution < th.MinEntrySeconds {
		return Signal{}, false
	}
	if !quote.YesAsk.IsPositive() || !quote.NoAsk.IsPositive() {
		return Signal{}, false
	}

	side, ok := entrySide(quote, th)
	if !ok {
		return Signal{}, false
	}

	return Signal{
		Kind:     SignalEntry,
		MarketID: quote.MarketID,
		Side:     side,
		Price:    quote.Ask(side),
		Spread:   quote.Spread(),
	}, true
}

func entrySide(quote domain.PriceQuote, th Thresholds) (domain.LegSide, bool) {
	yesOK := quote.YesAsk.LessThanOrEqual(th.EntryPrice) &&
		quote.NoAsk.LessThanOrEqual(th.TrendFilter)
	noOK := quote.NoAsk.LessThanOrEqual(th.EntryPrice) &&
		quote.YesAsk.LessThanOrEqual(th.TrendFilter)

	switch {
	case yesOK && noOK:
		if quote.NoAsk.LessThan(quote.YesAsk) {
			return domain.SideNo, true
		}
		return domain.SideYes, true
	case yesOK:
		return domain.SideYes, true
	case noOK:
		return domain.SideNo, true
	default:
		return "", false
	}
}
