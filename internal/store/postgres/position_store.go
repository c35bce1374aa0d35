package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Each leg is
// flattened into its own column group; NUMERIC columns are selected as text
// and parsed into decimals so no value ever passes through a float.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, market_id, resolution_at, state, created_at, closed_at,
	realized_pnl::text,
	yes_token_id, yes_shares::text, yes_price::text, yes_cost::text, yes_order_id, yes_trade_id, yes_filled_at,
	no_token_id, no_shares::text, no_price::text, no_cost::text, no_order_id, no_trade_id, no_filled_at`

// legColumns is the scan target for one leg's column group.
type legColumns struct {
	tokenID  *string
	shares   *string
	price    *string
	cost     *string
	orderID  *string
	tradeID  *string
	filledAt *time.Time
}

func scanPosition(row pgx.Row) (domain.HedgePosition, error) {
	var (
		p        domain.HedgePosition
		state    string
		realized *string
		yes, no  legColumns
	)

	err := row.Scan(
		&p.ID, &p.MarketID, &p.ResolutionAt, &state, &p.CreatedAt, &p.ClosedAt,
		&realized,
		&yes.tokenID, &yes.shares, &yes.price, &yes.cost, &yes.orderID, &yes.tradeID, &yes.filledAt,
		&no.tokenID, &no.shares, &no.price, &no.cost, &no.orderID, &no.tradeID, &no.filledAt,
	)
	if err != nil {
		return domain.HedgePosition{}, err
	}

	p.State = domain.PositionState(state)

	if realized != nil {
		pnl, err := decimal.NewFromString(*realized)
		if err != nil {
			return domain.HedgePosition{}, fmt.Errorf("parse realized_pnl %q: %w", *realized, err)
		}
		p.RealizedPnL = &pnl
	}

	if p.Yes, err = yes.toLeg(domain.SideYes); err != nil {
		return domain.HedgePosition{}, err
	}
	if p.No, err = no.toLeg(domain.SideNo); err != nil {
		return domain.HedgePosition{}, err
	}
	return p, nil
}

func (lc legColumns) toLeg(side domain.LegSide) (*domain.Leg, error) {
	if lc.shares == nil {
		return nil, nil
	}

	shares, err := decimal.NewFromString(*lc.shares)
	if err != nil {
		return nil, fmt.Errorf("parse %s_shares %q: %w", side, *lc.shares, err)
	}
	price, err := decimal.NewFromString(deref(lc.price))
	if err != nil {
		return nil, fmt.Errorf("parse %s_price %q: %w", side, deref(lc.price), err)
	}
	cost, err := decimal.NewFromString(deref(lc.cost))
	if err != nil {
		return nil, fmt.Errorf("parse %s_cost %q: %w", side, deref(lc.cost), err)
	}

	return &domain.Leg{
		Side:     side,
		TokenID:  deref(lc.tokenID),
		Shares:   shares,
		Price:    price,
		Cost:     cost,
		OrderID:  deref(lc.orderID),
		TradeID:  deref(lc.tradeID),
		FilledAt: lc.filledAt,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// legArgs returns the seven column values for a leg, all NULL when the leg is
// not recorded.
func legArgs(l *domain.Leg) []any {
	if l == nil {
		return []any{nil, nil, nil, nil, nil, nil, nil}
	}
	return []any{l.TokenID, l.Shares.String(), l.Price.String(), l.Cost.String(), l.OrderID, l.TradeID, l.FilledAt}
}

func realizedArg(p domain.HedgePosition) any {
	if p.RealizedPnL == nil {
		return nil
	}
	return p.RealizedPnL.String()
}

// Create inserts a new position. The partial unique index on open positions
// rejects a second non-terminal position for the same market.
func (s *PositionStore) Create(ctx context.Context, p domain.HedgePosition) error {
	const query = `
		INSERT INTO positions (
			id, market_id, resolution_at, state, created_at, closed_at, realized_pnl,
			yes_token_id, yes_shares, yes_price, yes_cost, yes_order_id, yes_trade_id, yes_filled_at,
			no_token_id, no_shares, no_price, no_cost, no_order_id, no_trade_id, no_filled_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21,
			NOW()
		)`

	args := []any{p.ID, p.MarketID, p.ResolutionAt, string(p.State), p.CreatedAt, p.ClosedAt, realizedArg(p)}
	args = append(args, legArgs(p.Yes)...)
	args = append(args, legArgs(p.No)...)

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.HedgePosition) error {
	const query = `
		UPDATE positions SET
			state         = $2,
			closed_at     = $3,
			realized_pnl  = $4,
			yes_token_id  = $5,  yes_shares = $6,  yes_price = $7,  yes_cost = $8,
			yes_order_id  = $9,  yes_trade_id = $10, yes_filled_at = $11,
			no_token_id   = $12, no_shares = $13, no_price = $14, no_cost = $15,
			no_order_id   = $16, no_trade_id = $17, no_filled_at = $18,
			updated_at    = NOW()
		WHERE id = $1`

	args := []any{p.ID, string(p.State), p.ClosedAt, realizedArg(p)}
	args = append(args, legArgs(p.Yes)...)
	args = append(args, legArgs(p.No)...)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.HedgePosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.HedgePosition{}, domain.ErrNotFound
		}
		return domain.HedgePosition{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenByMarket returns the single non-terminal position for a market.
func (s *PositionStore) GetOpenByMarket(ctx context.Context, marketID string) (domain.HedgePosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE market_id = $1 AND state NOT IN ('resolved', 'closed')`, marketID)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.HedgePosition{}, domain.ErrNotFound
		}
		return domain.HedgePosition{}, fmt.Errorf("postgres: get open position for market %s: %w", marketID, err)
	}
	return p, nil
}

// ListByState returns every position in one of the given states, oldest first.
func (s *PositionStore) ListByState(ctx context.Context, states ...domain.PositionState) ([]domain.HedgePosition, error) {
	if len(states) == 0 {
		return nil, nil
	}

	stateStrs := make([]string, len(states))
	for i, st := range states {
		stateStrs[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE state = ANY($1)
		 ORDER BY created_at ASC`, stateStrs)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by state: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListHistory returns positions newest first with pagination and optional
// time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" WHERE created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]domain.HedgePosition, error) {
	var positions []domain.HedgePosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
