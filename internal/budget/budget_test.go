package budget

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// invariant asserts available + reserved + spent == total and available >= 0.
func invariant(t *testing.T, m *Manager, total decimal.Decimal) {
	t.Helper()
	available, reserved, spent := m.Snapshot()
	sum := available.Add(reserved).Add(spent)
	require.True(t, sum.Equal(total), "ledger sum %s != total %s", sum, total)
	require.False(t, available.IsNegative(), "available went negative: %s", available)
	require.False(t, reserved.IsNegative(), "reserved went negative: %s", reserved)
	require.False(t, spent.IsNegative(), "spent went negative: %s", spent)
}

func TestManager_ReserveCommitRelease(t *testing.T) {
	total := d("10.00")
	m := New(total)

	got, ok := m.Reserve(d("4.00"))
	require.True(t, ok)
	assert.True(t, got.Equal(d("4.00")))
	invariant(t, m, total)

	// Commit part of the reservation, release the rest.
	m.Commit(d("3.50"))
	invariant(t, m, total)
	m.Release(d("0.50"))
	invariant(t, m, total)

	available, reserved, spent := m.Snapshot()
	assert.True(t, available.Equal(d("6.50")))
	assert.True(t, reserved.Equal(decimal.Zero))
	assert.True(t, spent.Equal(d("3.50")))
}

func TestManager_ReserveFailsClosed(t *testing.T) {
	m := New(d("2.00"))

	_, ok := m.Reserve(d("2.01"))
	assert.False(t, ok)

	// Nothing was mutated on the failed path.
	available, reserved, spent := m.Snapshot()
	assert.True(t, available.Equal(d("2.00")))
	assert.True(t, reserved.Equal(decimal.Zero))
	assert.True(t, spent.Equal(decimal.Zero))

	_, ok = m.Reserve(decimal.Zero)
	assert.False(t, ok, "zero reserve is rejected")
	_, ok = m.Reserve(d("-1"))
	assert.False(t, ok, "negative reserve is rejected")
}

// Two concurrent opportunities each request $3.00 from a $4.00 ledger;
// exactly one reservation succeeds.
func TestManager_ConcurrentExhaustion(t *testing.T) {
	m := New(d("4.00"))

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Reserve(d("3.00"))
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, results[0], results[1],
		"exactly one of two $3.00 reserves against $4.00 must succeed")
	invariant(t, m, d("4.00"))
}

// Random sequences of reserve/release/commit must hold the ledger invariant
// after every call.
func TestManager_InvariantUnderRandomOps(t *testing.T) {
	total := d("100.00")
	m := New(total)
	rng := rand.New(rand.NewSource(1))

	outstanding := decimal.Zero
	for i := 0; i < 2000; i++ {
		amount := decimal.NewFromInt(rng.Int63n(2000) + 1).Div(d("100")) // 0.01..20.00
		switch rng.Intn(3) {
		case 0:
			if _, ok := m.Reserve(amount); ok {
				outstanding = outstanding.Add(amount)
			}
		case 1:
			if outstanding.IsPositive() {
				rel := decimal.Min(amount, outstanding)
				m.Release(rel)
				outstanding = outstanding.Sub(rel)
			}
		case 2:
			if outstanding.IsPositive() {
				com := decimal.Min(amount, outstanding)
				m.Commit(com)
				outstanding = outstanding.Sub(com)
			}
		}
		invariant(t, m, total)
	}
}

func TestManager_ConcurrentReserveReleaseNeverOverdraws(t *testing.T) {
	total := d("50.00")
	m := New(total)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				amount := decimal.NewFromInt(rng.Int63n(500) + 1).Div(d("100"))
				if _, ok := m.Reserve(amount); ok {
					if rng.Intn(2) == 0 {
						m.Release(amount)
					} else {
						m.Commit(amount)
					}
				}
			}
		}(int64(w))
	}
	wg.Wait()

	available, reserved, spent := m.Snapshot()
	sum := available.Add(reserved).Add(spent)
	assert.True(t, sum.Equal(total), "ledger sum %s != total %s", sum, total)
	assert.False(t, available.IsNegative())
	assert.True(t, reserved.Equal(decimal.Zero), "all reservations were settled")
}

func TestManager_DepositGrowsBankroll(t *testing.T) {
	m := New(d("10.00"))
	res, ok := m.Reserve(d("4.00"))
	require.True(t, ok)
	m.Commit(res)

	// Settlement pays out the hedge.
	m.Deposit(d("4.1666"))

	assert.True(t, m.Available().Equal(d("10.1666")))
	assert.True(t, m.Total().Equal(d("14.1666")))
}
