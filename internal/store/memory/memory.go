// Package memory implements the domain store interfaces with in-memory maps.
// Used for dry-run mode and tests; no persistence.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.HedgePosition
}

// NewPositionStore creates an empty in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.HedgePosition)}
}

// clonePosition copies a position including its leg pointers so callers can
// never mutate stored state in place.
func clonePosition(p domain.HedgePosition) domain.HedgePosition {
	out := p
	if p.Yes != nil {
		leg := *p.Yes
		out.Yes = &leg
	}
	if p.No != nil {
		leg := *p.No
		out.No = &leg
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	if p.RealizedPnL != nil {
		d := *p.RealizedPnL
		out.RealizedPnL = &d
	}
	return out
}

func (s *PositionStore) Create(_ context.Context, pos domain.HedgePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[pos.ID] = clonePosition(pos)
	return nil
}

func (s *PositionStore) Update(_ context.Context, pos domain.HedgePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	s.positions[pos.ID] = clonePosition(pos)
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[id]
	if !ok {
		return domain.HedgePosition{}, domain.ErrNotFound
	}
	return clonePosition(pos), nil
}

func (s *PositionStore) GetOpenByMarket(_ context.Context, marketID string) (domain.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, pos := range s.positions {
		if pos.MarketID == marketID && !pos.State.Terminal() {
			return clonePosition(pos), nil
		}
	}
	return domain.HedgePosition{}, domain.ErrNotFound
}

func (s *PositionStore) ListByState(_ context.Context, states ...domain.PositionState) ([]domain.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.HedgePosition
	for _, pos := range s.positions {
		for _, state := range states {
			if pos.State == state {
				out = append(out, clonePosition(pos))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PositionStore) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.HedgePosition
	for _, pos := range s.positions {
		if opts.Since != nil && pos.CreatedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, clonePosition(pos))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else if opts.Offset >= len(out) {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)

// TradeStore is an in-memory domain.TradeStore.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string]domain.ExchangeTrade
}

// NewTradeStore creates an empty in-memory trade mirror.
func NewTradeStore() *TradeStore {
	return &TradeStore{trades: make(map[string]domain.ExchangeTrade)}
}

func (s *TradeStore) Insert(_ context.Context, trade domain.ExchangeTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[trade.TradeID]; ok {
		return domain.ErrAlreadyExists
	}
	s.trades[trade.TradeID] = trade
	return nil
}

func (s *TradeStore) ListSince(_ context.Context, since time.Time) ([]domain.ExchangeTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ExchangeTrade
	for _, t := range s.trades {
		if !t.FilledAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilledAt.Before(out[j].FilledAt) })
	return out, nil
}

func (s *TradeStore) Exists(_ context.Context, tradeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.trades[tradeID]
	return ok, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)

// AuditStore is an in-memory domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	nextID  int64
}

// NewAuditStore creates an empty in-memory audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{nextID: 1}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	s.nextID++
	return nil
}

// List returns entries newest first, the same ordering as the Postgres
// store.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Events returns the recorded event names in order, a convenience for tests.
func (s *AuditStore) Events() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Event
	}
	return out
}

var _ domain.AuditStore = (*AuditStore)(nil)

// PriceCache is an in-memory domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]domain.PriceQuote
}

// NewPriceCache creates an empty in-memory price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]domain.PriceQuote)}
}

func (c *PriceCache) SetQuote(_ context.Context, quote domain.PriceQuote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[quote.MarketID] = quote
	return nil
}

func (c *PriceCache) GetQuote(_ context.Context, marketID string) (domain.PriceQuote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[marketID]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return q, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
