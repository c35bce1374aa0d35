// Package risk tracks rolling daily loss and exposure against configured
// limits. A tripped breaker suppresses new entries only; hedge completion,
// forced exit, settlement, and reconciliation always proceed so existing
// capital keeps being managed.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/calebmoss/hedgebot/internal/domain"
)

// Limits configures the breaker. A non-positive limit disables that check.
type Limits struct {
	DailyLossLimit     decimal.Decimal
	DailyExposureLimit decimal.Decimal
}

// Breaker accumulates realized loss and deployed capital over the current
// UTC day. The window resets at UTC midnight; a trip lasts until the reset.
type Breaker struct {
	mu          sync.Mutex
	limits      Limits
	windowStart time.Time
	loss        decimal.Decimal
	exposure    decimal.Decimal
	tripped     bool
	reason      string

	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a breaker. audit may be nil.
func New(limits Limits, audit domain.AuditStore, logger *slog.Logger) *Breaker {
	b := &Breaker{
		limits: limits,
		audit:  audit,
		logger: logger.With(slog.String("component", "risk")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	b.windowStart = midnightUTC(b.now())
	return b
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// rollLocked resets the window when the UTC day has changed.
func (b *Breaker) rollLocked() {
	start := midnightUTC(b.now())
	if start.After(b.windowStart) {
		b.windowStart = start
		b.loss = decimal.Zero
		b.exposure = decimal.Zero
		if b.tripped {
			b.logger.Info("circuit breaker reset at window roll")
		}
		b.tripped = false
		b.reason = ""
	}
}

// AllowEntry reports whether new entries are currently permitted.
func (b *Breaker) AllowEntry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return !b.tripped
}

// RecordRealized feeds a position's realized PnL into the daily loss total.
// Profits do not offset losses; the limit is on gross realized loss.
func (b *Breaker) RecordRealized(ctx context.Context, pnl decimal.Decimal) {
	if !pnl.IsNegative() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()

	b.loss = b.loss.Add(pnl.Neg())
	if !b.tripped && b.limits.DailyLossLimit.IsPositive() && b.loss.GreaterThanOrEqual(b.limits.DailyLossLimit) {
		b.tripLocked(ctx, "daily loss limit reached", b.loss, b.limits.DailyLossLimit)
	}
}

// RecordExposure feeds capital committed by an entry into the daily exposure
// total.
func (b *Breaker) RecordExposure(ctx context.Context, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()

	b.exposure = b.exposure.Add(amount)
	if !b.tripped && b.limits.DailyExposureLimit.IsPositive() && b.exposure.GreaterThanOrEqual(b.limits.DailyExposureLimit) {
		b.tripLocked(ctx, "daily exposure limit reached", b.exposure, b.limits.DailyExposureLimit)
	}
}

func (b *Breaker) tripLocked(ctx context.Context, reason string, value, limit decimal.Decimal) {
	b.tripped = true
	b.reason = reason
	b.logger.Warn("circuit breaker tripped",
		slog.String("reason", reason),
		slog.String("value", value.String()),
		slog.String("limit", limit.String()),
	)
	if b.audit != nil {
		if err := b.audit.Log(ctx, "circuit_breaker_tripped", map[string]any{
			"reason": reason,
			"value":  value.String(),
			"limit":  limit.String(),
		}); err != nil {
			b.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
}

// Status returns the breaker's current window totals.
func (b *Breaker) Status() (loss, exposure decimal.Decimal, tripped bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.loss, b.exposure, b.tripped, b.reason
}
