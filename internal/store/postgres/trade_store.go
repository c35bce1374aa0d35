package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Rows mirror the
// exchange's trade history keyed by trade_id, which makes duplicate fills
// detectable at insert time.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `trade_id, order_id, market_id, side, direction,
	shares::text, price::text, filled_at`

// Insert records a fill. Inserting the same TradeID twice returns
// ErrAlreadyExists and leaves the store unchanged.
func (s *TradeStore) Insert(ctx context.Context, t domain.ExchangeTrade) error {
	const query = `
		INSERT INTO trades (
			trade_id, order_id, market_id, side, direction, shares, price, filled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		) ON CONFLICT (trade_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		t.TradeID, t.OrderID, t.MarketID,
		string(t.Side), string(t.Direction),
		t.Shares.String(), t.Price.String(), t.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.TradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// ListSince returns all locally recorded fills since the given time, oldest
// first.
func (s *TradeStore) ListSince(ctx context.Context, since time.Time) ([]domain.ExchangeTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE filled_at >= $1
		 ORDER BY filled_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades since %s: %w", since.Format(time.RFC3339), err)
	}
	defer rows.Close()

	return collectTrades(rows)
}

// Exists reports whether a trade with the given ID is recorded locally.
func (s *TradeStore) Exists(ctx context.Context, tradeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM trades WHERE trade_id = $1)", tradeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: trade exists %s: %w", tradeID, err)
	}
	return exists, nil
}

func collectTrades(rows pgx.Rows) ([]domain.ExchangeTrade, error) {
	var trades []domain.ExchangeTrade
	for rows.Next() {
		var (
			t             domain.ExchangeTrade
			side, dir     string
			shares, price string
		)
		if err := rows.Scan(
			&t.TradeID, &t.OrderID, &t.MarketID, &side, &dir,
			&shares, &price, &t.FilledAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}

		t.Side = domain.LegSide(side)
		t.Direction = domain.OrderDirection(dir)

		var err error
		if t.Shares, err = decimal.NewFromString(shares); err != nil {
			return nil, fmt.Errorf("postgres: parse trade %s shares %q: %w", t.TradeID, shares, err)
		}
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("postgres: parse trade %s price %q: %w", t.TradeID, price, err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate trades: %w", err)
	}
	return trades, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
