// Package exchange is the boundary to the exchange's order-placement and
// trade-history APIs. Order submission is the critical correctness boundary
// of the whole engine: SubmitOrder classifies every result into a
// domain.LegOutcome and never lets a transport fault escape as an error or
// panic, so a failure on one leg can never hide a sibling leg that filled.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// Submitter places a single order and always returns a classified outcome.
type Submitter interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) domain.LegOutcome
}

// TradeLister fetches the exchange's authoritative trade history.
type TradeLister interface {
	ListTrades(ctx context.Context, since time.Time) ([]domain.ExchangeTrade, error)
}

// MarketLister fetches the catalog of open markets with current asks.
type MarketLister interface {
	ListMarkets(ctx context.Context) ([]domain.Market, error)
}

// ClientConfig holds the REST client parameters.
type ClientConfig struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	Timeout       time.Duration
	OrdersPerSec  float64
	HistoryPerSec float64
}

// Client is the REST client for the exchange. It rate-limits order placement
// and history queries independently.
type Client struct {
	baseURL       string
	apiKey        string
	apiSecret     string
	httpClient    *http.Client
	orderLimiter  *rate.Limiter
	tradesLimiter *rate.Limiter
	logger        *slog.Logger
}

// NewClient creates a Client from cfg. Zero-valued limits fall back to
// conservative defaults.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ordersPerSec := cfg.OrdersPerSec
	if ordersPerSec <= 0 {
		ordersPerSec = 5
	}
	historyPerSec := cfg.HistoryPerSec
	if historyPerSec <= 0 {
		historyPerSec = 1
	}

	return &Client{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		apiSecret:     cfg.APISecret,
		httpClient:    &http.Client{Timeout: timeout},
		orderLimiter:  rate.NewLimiter(rate.Limit(ordersPerSec), 10),
		tradesLimiter: rate.NewLimiter(rate.Limit(historyPerSec), 2),
		logger:        logger.With(slog.String("component", "exchange")),
	}
}

// SubmitOrder places one order and classifies the result. It never returns
// an error and never panics out: transport faults, malformed responses, and
// panics from underlying libraries all become TransportError, while an
// explicit exchange decline becomes Rejected.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (outcome domain.LegOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic recovered at submission boundary",
				slog.String("market", req.MarketID),
				slog.String("side", string(req.Side)),
				slog.Any("panic", r),
			)
			outcome = domain.TransportError{Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := c.orderLimiter.Wait(ctx); err != nil {
		return domain.TransportError{Detail: "rate limiter: " + err.Error()}
	}

	payload := orderPayload{
		MarketID:    req.MarketID,
		TokenID:     req.TokenID,
		Side:        string(req.Direction),
		Shares:      req.Shares.String(),
		Price:       req.Price.String(),
		TimeInForce: string(req.TimeInForce),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.TransportError{Detail: "encode order: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return domain.TransportError{Detail: "build request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.TransportError{Detail: "http: " + err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.TransportError{Detail: "read response: " + err.Error()}
	}

	return classify(resp.StatusCode, respBody)
}

// classify maps an HTTP status plus response body onto a LegOutcome.
// 2xx with a matched order is Filled, 2xx unmatched and all 4xx are
// Rejected (the exchange made a decision), everything else is transport.
func classify(status int, body []byte) domain.LegOutcome {
	if status >= 500 {
		return domain.TransportError{Detail: fmt.Sprintf("server error %d: %s", status, truncate(body))}
	}

	var result orderResult
	if err := json.Unmarshal(body, &result); err != nil {
		if status >= 200 && status < 300 {
			return domain.TransportError{Detail: "malformed response: " + truncate(body)}
		}
		return domain.Rejected{Reason: fmt.Sprintf("status %d: %s", status, truncate(body))}
	}

	if status >= 400 || !result.Success || result.Status != "matched" {
		reason := result.ErrorMsg
		if reason == "" {
			reason = "unmatched (" + result.Status + ")"
		}
		return domain.Rejected{Reason: reason}
	}

	shares, err := decimal.NewFromString(result.FilledShares)
	if err != nil || !shares.IsPositive() {
		return domain.TransportError{Detail: "fill with unparsable shares: " + truncate(body)}
	}
	price, err := decimal.NewFromString(result.FilledPrice)
	if err != nil || !price.IsPositive() {
		return domain.TransportError{Detail: "fill with unparsable price: " + truncate(body)}
	}

	return domain.Filled{
		OrderID: result.OrderID,
		TradeID: result.TradeID,
		Shares:  shares,
		Price:   price,
	}
}

// ListTrades fetches all fills confirmed by the exchange since the given
// time. This is the source of truth the reconciler diffs against.
func (c *Client) ListTrades(ctx context.Context, since time.Time) ([]domain.ExchangeTrade, error) {
	if err := c.tradesLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("exchange: list trades: %w", err)
	}

	url := fmt.Sprintf("%s/trades?since=%s", c.baseURL, since.UTC().Format(time.RFC3339))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: list trades: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("exchange: list trades: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("exchange: list trades: status %d: %s", resp.StatusCode, truncate(body))
	}

	var wire []wireTrade
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("exchange: decode trades: %w", err)
	}

	trades := make([]domain.ExchangeTrade, 0, len(wire))
	for _, w := range wire {
		t, err := w.toDomain()
		if err != nil {
			c.logger.Warn("skipping unparsable trade",
				slog.String("trade_id", w.TradeID),
				slog.String("error", err.Error()),
			)
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// ListMarkets fetches the open-market catalog with current best asks. Used
// as the polling fallback for the price feed and to build the market set the
// engine evaluates.
func (c *Client) ListMarkets(ctx context.Context) ([]domain.Market, error) {
	if err := c.tradesLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("exchange: list markets: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/markets", nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: list markets: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("exchange: list markets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("exchange: list markets: status %d: %s", resp.StatusCode, truncate(body))
	}

	var wire []wireMarket
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("exchange: decode markets: %w", err)
	}

	markets := make([]domain.Market, 0, len(wire))
	for _, w := range wire {
		m, err := w.toDomain()
		if err != nil {
			c.logger.Warn("skipping unparsable market",
				slog.String("market_id", w.MarketID),
				slog.String("error", err.Error()),
			)
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// authorize attaches API credentials when configured. Dry runs and tests
// talk to unauthenticated endpoints.
func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.apiSecret != "" {
		req.Header.Set("X-Api-Secret", c.apiSecret)
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

var (
	_ Submitter    = (*Client)(nil)
	_ TradeLister  = (*Client)(nil)
	_ MarketLister = (*Client)(nil)
)
