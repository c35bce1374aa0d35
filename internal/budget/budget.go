// Package budget implements the capital ledger for the whole strategy. It is
// a pure ledger: it knows nothing about markets or positions, and it is the
// only place capital may be reserved, released, or committed.
package budget

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Manager is a thread-safe ledger of available, reserved, and spent capital.
// Every operation holds a single mutex, so concurrent callers can never
// over-reserve: at all times available + reserved + spent == total and
// available >= 0.
type Manager struct {
	mu        sync.Mutex
	available decimal.Decimal
	reserved  decimal.Decimal
	spent     decimal.Decimal
}

// New creates a Manager with the given starting bankroll.
func New(total decimal.Decimal) *Manager {
	if total.IsNegative() {
		total = decimal.Zero
	}
	return &Manager{
		available: total,
		reserved:  decimal.Zero,
		spent:     decimal.Zero,
	}
}

// Reserve moves amount from available to reserved. It fails closed: when
// available < amount nothing is mutated and ok is false, which callers must
// treat as "skip this opportunity", not an error. Non-positive amounts are
// rejected the same way.
func (m *Manager) Reserve(amount decimal.Decimal) (decimal.Decimal, bool) {
	if !amount.IsPositive() {
		return decimal.Zero, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.available.LessThan(amount) {
		return decimal.Zero, false
	}
	m.available = m.available.Sub(amount)
	m.reserved = m.reserved.Add(amount)
	return amount, true
}

// Release returns a previously reserved amount to available. Amounts beyond
// what is currently reserved are clamped so the ledger can never go negative.
func (m *Manager) Release(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.GreaterThan(m.reserved) {
		amount = m.reserved
	}
	m.reserved = m.reserved.Sub(amount)
	m.available = m.available.Add(amount)
}

// Commit permanently moves a reserved amount to spent; the capital left the
// ledger as the cost of a confirmed fill. Amounts beyond the current
// reservation are clamped.
func (m *Manager) Commit(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.GreaterThan(m.reserved) {
		amount = m.reserved
	}
	m.reserved = m.reserved.Sub(amount)
	m.spent = m.spent.Add(amount)
}

// Deposit credits proceeds back to available, growing the total bankroll.
// Settlement payouts and forced-exit sale proceeds re-enter the ledger here.
func (m *Manager) Deposit(amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.available = m.available.Add(amount)
}

// Snapshot returns the current available, reserved, and spent amounts.
func (m *Manager) Snapshot() (available, reserved, spent decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available, m.reserved, m.spent
}

// Available returns the capital currently free to reserve.
func (m *Manager) Available() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Total returns available + reserved + spent.
func (m *Manager) Total() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available.Add(m.reserved).Add(m.spent)
}
