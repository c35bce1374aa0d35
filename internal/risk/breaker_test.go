package risk

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/calebmoss/hedgebot/internal/store/memory"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type discard struct{}

func (*discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(discard), nil))
}

func newBreaker(loss, exposure string) (*Breaker, *memory.AuditStore) {
	audit := memory.NewAuditStore()
	b := New(Limits{
		DailyLossLimit:     d(loss),
		DailyExposureLimit: d(exposure),
	}, audit, testLogger())
	return b, audit
}

func TestBreaker_AllowsUnderLimits(t *testing.T) {
	b, _ := newBreaker("10.00", "100.00")
	ctx := context.Background()

	b.RecordRealized(ctx, d("-4.00"))
	b.RecordExposure(ctx, d("50.00"))
	assert.True(t, b.AllowEntry())
}

func TestBreaker_TripsOnDailyLoss(t *testing.T) {
	b, audit := newBreaker("10.00", "0")
	ctx := context.Background()

	b.RecordRealized(ctx, d("-6.00"))
	assert.True(t, b.AllowEntry())
	b.RecordRealized(ctx, d("-4.00"))
	assert.False(t, b.AllowEntry())
	assert.Contains(t, audit.Events(), "circuit_breaker_tripped")
}

func TestBreaker_ProfitsDoNotOffsetLosses(t *testing.T) {
	b, _ := newBreaker("10.00", "0")
	ctx := context.Background()

	b.RecordRealized(ctx, d("-8.00"))
	b.RecordRealized(ctx, d("20.00"))
	b.RecordRealized(ctx, d("-2.00"))
	assert.False(t, b.AllowEntry(), "limit is on gross realized loss")
}

func TestBreaker_TripsOnExposure(t *testing.T) {
	b, _ := newBreaker("0", "100.00")
	ctx := context.Background()

	b.RecordExposure(ctx, d("60.00"))
	assert.True(t, b.AllowEntry())
	b.RecordExposure(ctx, d("40.00"))
	assert.False(t, b.AllowEntry())
}

func TestBreaker_DisabledLimitNeverTrips(t *testing.T) {
	b, _ := newBreaker("0", "0")
	ctx := context.Background()

	b.RecordRealized(ctx, d("-1000.00"))
	b.RecordExposure(ctx, d("1000.00"))
	assert.True(t, b.AllowEntry())
}

func TestBreaker_ResetsAtUTCMidnight(t *testing.T) {
	b, _ := newBreaker("10.00", "0")
	ctx := context.Background()

	current := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	b.now = func() time.Time { return current }
	b.windowStart = midnightUTC(current)

	b.RecordRealized(ctx, d("-12.00"))
	assert.False(t, b.AllowEntry())

	current = time.Date(2026, 3, 11, 0, 5, 0, 0, time.UTC)
	assert.True(t, b.AllowEntry(), "window rolled at UTC midnight")

	loss, exposure, tripped, _ := b.Status()
	assert.True(t, loss.Equal(decimal.Zero))
	assert.True(t, exposure.Equal(decimal.Zero))
	assert.False(t, tripped)
}
