package exchange

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// orderPayload is the wire format for order placement. Prices and sizes are
// decimal strings on the wire, matching the exchange API.
type orderPayload struct {
	MarketID    string `json:"market_id"`
	TokenID     string `json:"token_id"`
	Side        string `json:"side"`
	Shares      string `json:"shares"`
	Price       string `json:"price"`
	TimeInForce string `json:"time_in_force"`
}

// orderResult is the wire format of the order placement response.
type orderResult struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"order_id"`
	TradeID      string `json:"trade_id"`
	Status       string `json:"status"` // "matched", "unmatched", "rejected"
	FilledShares string `json:"filled_shares"`
	FilledPrice  string `json:"filled_price"`
	ErrorMsg     string `json:"error_msg"`
}

// wireMarket is one row of the market-catalog response.
type wireMarket struct {
	MarketID     string    `json:"market_id"`
	Question     string    `json:"question"`
	YesTokenID   string    `json:"yes_token_id"`
	NoTokenID    string    `json:"no_token_id"`
	ResolutionAt time.Time `json:"resolution_at"`
	YesAsk       string    `json:"yes_ask"`
	NoAsk        string    `json:"no_ask"`
}

func (w wireMarket) toDomain() (domain.Market, error) {
	yesAsk, err := decimal.NewFromString(w.YesAsk)
	if err != nil {
		return domain.Market{}, fmt.Errorf("yes_ask %q: %w", w.YesAsk, err)
	}
	noAsk, err := decimal.NewFromString(w.NoAsk)
	if err != nil {
		return domain.Market{}, fmt.Errorf("no_ask %q: %w", w.NoAsk, err)
	}
	if w.MarketID == "" {
		return domain.Market{}, fmt.Errorf("missing market_id")
	}
	return domain.Market{
		ID:           w.MarketID,
		Question:     w.Question,
		YesTokenID:   w.YesTokenID,
		NoTokenID:    w.NoTokenID,
		ResolutionAt: w.ResolutionAt,
		YesAsk:       yesAsk,
		NoAsk:        noAsk,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

// wireTrade is one row of the trade-history response.
type wireTrade struct {
	TradeID   string    `json:"trade_id"`
	OrderID   string    `json:"order_id"`
	MarketID  string    `json:"market_id"`
	Side      string    `json:"side"`
	Direction string    `json:"direction"`
	Shares    string    `json:"shares"`
	Price     string    `json:"price"`
	FilledAt  time.Time `json:"filled_at"`
}

func (w wireTrade) toDomain() (domain.ExchangeTrade, error) {
	shares, err := decimal.NewFromString(w.Shares)
	if err != nil {
		return domain.ExchangeTrade{}, fmt.Errorf("shares %q: %w", w.Shares, err)
	}
	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return domain.ExchangeTrade{}, fmt.Errorf("price %q: %w", w.Price, err)
	}

	side := domain.LegSide(w.Side)
	if side != domain.SideYes && side != domain.SideNo {
		return domain.ExchangeTrade{}, fmt.Errorf("unknown side %q", w.Side)
	}
	direction := domain.OrderDirection(w.Direction)
	if direction != domain.DirectionBuy && direction != domain.DirectionSell {
		return domain.ExchangeTrade{}, fmt.Errorf("unknown direction %q", w.Direction)
	}

	return domain.ExchangeTrade{
		TradeID:   w.TradeID,
		OrderID:   w.OrderID,
		MarketID:  w.MarketID,
		Side:      side,
		Direction: direction,
		Shares:    shares,
		Price:     price,
		FilledAt:  w.FilledAt,
	}, nil
}
