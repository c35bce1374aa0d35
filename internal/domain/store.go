package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// PositionStore persists hedge positions. Positions are append-only records:
// they are created once, mutated only through legal state transitions, and
// never deleted.
type PositionStore interface {
	Create(ctx context.Context, pos HedgePosition) error
	Update(ctx context.Context, pos HedgePosition) error
	GetByID(ctx context.Context, id string) (HedgePosition, error)
	// GetOpenByMarket returns the single non-terminal position for a market,
	// or ErrNotFound when the market is idle.
	GetOpenByMarket(ctx context.Context, marketID string) (HedgePosition, error)
	ListByState(ctx context.Context, states ...PositionState) ([]HedgePosition, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]HedgePosition, error)
}

// TradeStore is the local mirror of exchange fills. Every confirmed fill is
// inserted here at execution time; the reconciler diffs this set against the
// exchange's trade history.
type TradeStore interface {
	// Insert records a fill. Inserting the same TradeID twice returns
	// ErrAlreadyExists and leaves the store unchanged.
	Insert(ctx context.Context, trade ExchangeTrade) error
	ListSince(ctx context.Context, since time.Time) ([]ExchangeTrade, error)
	Exists(ctx context.Context, tradeID string) (bool, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of every position transition,
// budget commit, settlement, reconciliation repair, and breaker trip.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// PriceCache caches the latest normalized quote per market.
type PriceCache interface {
	SetQuote(ctx context.Context, quote PriceQuote) error
	GetQuote(ctx context.Context, marketID string) (PriceQuote, error)
}

// SignalBus publishes engine events for external observers. Implementations
// must tolerate slow or absent subscribers without blocking the engine.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
