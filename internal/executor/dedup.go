package executor

import "sync"

// MarketDedup is the set of markets currently under active execution. Two
// near-simultaneous signals for the same market must not both trigger
// submission; the first to call Begin wins and the second is skipped.
type MarketDedup struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewMarketDedup creates an empty dedup set.
func NewMarketDedup() *MarketDedup {
	return &MarketDedup{active: make(map[string]struct{})}
}

// Begin marks the market as under execution. It returns false when the
// market is already claimed by another attempt.
func (d *MarketDedup) Begin(marketID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.active[marketID]; busy {
		return false
	}
	d.active[marketID] = struct{}{}
	return true
}

// End releases the market. Callers must invoke it in a deferred block so the
// market is released regardless of the attempt's outcome.
func (d *MarketDedup) End(marketID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, marketID)
}

// Active returns the number of markets currently under execution.
func (d *MarketDedup) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
