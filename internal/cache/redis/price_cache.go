package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// quoteTTL bounds how long a cached quote can be served; markets this engine
// trades live for hours, not days.
const quoteTTL = time.Hour

// PriceCache implements domain.PriceCache on Redis. The latest quote per
// market is stored as JSON at "quote:{marketID}" with prices encoded as
// decimal strings, never floats.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func quoteKey(marketID string) string {
	return "quote:" + marketID
}

// wireQuote is the cached JSON shape of a quote.
type wireQuote struct {
	MarketID            string    `json:"market_id"`
	YesAsk              string    `json:"yes_ask"`
	NoAsk               string    `json:"no_ask"`
	SecondsToResolution int64     `json:"seconds_to_resolution"`
	Timestamp           time.Time `json:"timestamp"`
}

// SetQuote stores the latest quote for a market.
func (pc *PriceCache) SetQuote(ctx context.Context, quote domain.PriceQuote) error {
	data, err := json.Marshal(wireQuote{
		MarketID:            quote.MarketID,
		YesAsk:              quote.YesAsk.String(),
		NoAsk:               quote.NoAsk.String(),
		SecondsToResolution: quote.SecondsToResolution,
		Timestamp:           quote.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("redis: encode quote %s: %w", quote.MarketID, err)
	}
	if err := pc.rdb.Set(ctx, quoteKey(quote.MarketID), data, quoteTTL).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", quote.MarketID, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for a market. It returns
// domain.ErrNotFound when no quote is cached.
func (pc *PriceCache) GetQuote(ctx context.Context, marketID string) (domain.PriceQuote, error) {
	data, err := pc.rdb.Get(ctx, quoteKey(marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PriceQuote{}, domain.ErrNotFound
		}
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", marketID, err)
	}

	var w wireQuote
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: decode quote %s: %w", marketID, err)
	}
	yesAsk, err := decimal.NewFromString(w.YesAsk)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: decode quote %s: yes_ask %q: %w", marketID, w.YesAsk, err)
	}
	noAsk, err := decimal.NewFromString(w.NoAsk)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: decode quote %s: no_ask %q: %w", marketID, w.NoAsk, err)
	}

	return domain.PriceQuote{
		MarketID:            w.MarketID,
		YesAsk:              yesAsk,
		NoAsk:               noAsk,
		SecondsToResolution: w.SecondsToResolution,
		Timestamp:           w.Timestamp,
	}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
