package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// Limits bounds user withdrawals (per transaction and per rolling month) and
// treasury payouts (per rolling day, scoped to the payout pool).
type Limits struct {
	MinWithdrawal     decimal.Decimal
	MaxPerTx          decimal.Decimal
	MaxPerMonth       decimal.Decimal
	MonthlyWindow     time.Duration
	MaxTreasuryPerDay decimal.Decimal
	TreasuryWindow    time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MinWithdrawal:     decimal.NewFromInt(50),
		MaxPerTx:          decimal.NewFromInt(10000),
		MaxPerMonth:       decimal.NewFromInt(50000),
		MonthlyWindow:     30 * 24 * time.Hour,
		MaxTreasuryPerDay: decimal.NewFromInt(50000),
		TreasuryWindow:    24 * time.Hour,
	}
}

func (l Limits) Validate() error {
	switch {
	case !l.MinWithdrawal.IsPositive():
		return pkgerrors.New(pkgerrors.CodeValidation, "minimum withdrawal must be positive")
	case l.MaxPerTx.LessThan(l.MinWithdrawal):
		return pkgerrors.New(pkgerrors.CodeValidation, "max per transaction must not be below the minimum withdrawal")
	case l.MaxPerMonth.LessThan(l.MaxPerTx):
		return pkgerrors.New(pkgerrors.CodeValidation, "monthly cap must not be below the per transaction cap")
	case l.MonthlyWindow <= 0 || l.TreasuryWindow <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "limit windows must be positive")
	case !l.MaxTreasuryPerDay.IsPositive():
		return pkgerrors.New(pkgerrors.CodeValidation, "daily treasury cap must be positive")
	}
	return nil
}

// AccountReader reads the withdrawal counters of an account.
type AccountReader interface {
	Get(id string) (accounts.Account, error)
}

// Limiter evaluates withdrawal and treasury requests. Account windows live on
// the account itself and are reset lazily; the treasury window lives here and
// is persisted with the ledger state.
type Limiter struct {
	mu     sync.RWMutex
	limits Limits
	reader AccountReader
	now    func() time.Time

	treasuryMu    sync.Mutex
	treasuryUsed  decimal.Decimal
	treasuryStart time.Time
}

func New(limits Limits, reader AccountReader, now func() time.Time) (*Limiter, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, fmt.Errorf("account reader required")
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{limits: limits, reader: reader, now: now, treasuryUsed: decimal.Zero}, nil
}

func (l *Limiter) Limits() Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits
}

// SetLimits swaps the active limits. In-flight windows keep their counters.
func (l *Limiter) SetLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
	return nil
}

// CheckWithdrawal is the advisory pre-check callers may run before asking the
// ledger to withdraw. The ledger repeats the evaluation under the account lock.
func (l *Limiter) CheckWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal) error {
	acct, err := l.reader.Get(accountID)
	if err != nil {
		return err
	}
	return l.Evaluate(acct, amount, l.now())
}

// Evaluate checks amount against the per-transaction bounds and the account's
// rolling monthly window as of now. It never mutates.
func (l *Limiter) Evaluate(acct accounts.Account, amount decimal.Decimal, now time.Time) error {
	limits := l.Limits()

	if amount.LessThan(limits.MinWithdrawal) {
		return pkgerrors.New(pkgerrors.CodeBelowMin, "amount below minimum withdrawal").
			WithDetails(map[string]any{"amount": amount.String(), "min": limits.MinWithdrawal.String()})
	}
	if amount.GreaterThan(limits.MaxPerTx) {
		return pkgerrors.New(pkgerrors.CodeAboveMaxPerTx, "amount above per-transaction limit").
			WithDetails(map[string]any{"amount": amount.String(), "max": limits.MaxPerTx.String()})
	}

	used, start := windowUsage(acct.WithdrawnThisWindow, acct.WindowStartedAt, limits.MonthlyWindow, now)
	if used.Add(amount).GreaterThan(limits.MaxPerMonth) {
		return pkgerrors.New(pkgerrors.CodeAboveMonthlyCap, "monthly withdrawal limit reached").
			WithDetails(map[string]any{
				"amount":    amount.String(),
				"used":      used.String(),
				"remaining": limits.MaxPerMonth.Sub(used).String(),
				"resets_at": start.Add(limits.MonthlyWindow),
			})
	}
	return nil
}

// Record adds amount to the account's window, resetting it first when it has
// elapsed. Call only after Evaluate succeeded under the same account lock.
func (l *Limiter) Record(acct *accounts.Account, amount decimal.Decimal, now time.Time) {
	limits := l.Limits()
	used, start := windowUsage(acct.WithdrawnThisWindow, acct.WindowStartedAt, limits.MonthlyWindow, now)
	acct.WithdrawnThisWindow = used.Add(amount)
	acct.WindowStartedAt = start
}

// MonthlyUsage reports used and remaining allowance for an account.
func (l *Limiter) MonthlyUsage(acct accounts.Account, now time.Time) (decimal.Decimal, decimal.Decimal, time.Time) {
	limits := l.Limits()
	used, start := windowUsage(acct.WithdrawnThisWindow, acct.WindowStartedAt, limits.MonthlyWindow, now)
	return used, decimal.Max(limits.MaxPerMonth.Sub(used), decimal.Zero), start.Add(limits.MonthlyWindow)
}

// ReserveTreasury checks the daily treasury cap and books amount against it
// in one step. ReleaseTreasury returns the allowance when the payout is
// subsequently refused.
func (l *Limiter) ReserveTreasury(amount decimal.Decimal, now time.Time) error {
	limits := l.Limits()

	l.treasuryMu.Lock()
	defer l.treasuryMu.Unlock()

	used, start := windowUsage(l.treasuryUsed, l.treasuryStart, limits.TreasuryWindow, now)
	if used.Add(amount).GreaterThan(limits.MaxTreasuryPerDay) {
		return pkgerrors.New(pkgerrors.CodeAboveDailyTreasuryCap, "daily treasury limit reached").
			WithDetails(map[string]any{
				"amount":    amount.String(),
				"used":      used.String(),
				"remaining": limits.MaxTreasuryPerDay.Sub(used).String(),
			})
	}
	l.treasuryUsed = used.Add(amount)
	l.treasuryStart = start
	return nil
}

func (l *Limiter) ReleaseTreasury(amount decimal.Decimal) {
	l.treasuryMu.Lock()
	defer l.treasuryMu.Unlock()
	l.treasuryUsed = decimal.Max(l.treasuryUsed.Sub(amount), decimal.Zero)
}

// TreasuryUsage reports the amount drawn in the current treasury window.
func (l *Limiter) TreasuryUsage(now time.Time) (decimal.Decimal, decimal.Decimal) {
	limits := l.Limits()
	l.treasuryMu.Lock()
	defer l.treasuryMu.Unlock()
	used, _ := windowUsage(l.treasuryUsed, l.treasuryStart, limits.TreasuryWindow, now)
	return used, decimal.Max(limits.MaxTreasuryPerDay.Sub(used), decimal.Zero)
}

// TreasuryWindow returns the raw treasury counter and the start of its
// window, for persistence alongside the ledger state.
func (l *Limiter) TreasuryWindow() (decimal.Decimal, time.Time) {
	l.treasuryMu.Lock()
	defer l.treasuryMu.Unlock()
	return l.treasuryUsed, l.treasuryStart
}

// RestoreTreasury seeds the treasury window after a restart. An elapsed
// window resets lazily on the next payout like a live one.
func (l *Limiter) RestoreTreasury(used decimal.Decimal, start time.Time) {
	l.treasuryMu.Lock()
	defer l.treasuryMu.Unlock()
	l.treasuryUsed = decimal.Max(used, decimal.Zero)
	l.treasuryStart = start
}

// windowUsage applies the lazy reset: a window that never started or whose
// length has elapsed counts as empty and restarts at now.
func windowUsage(used decimal.Decimal, start time.Time, window time.Duration, now time.Time) (decimal.Decimal, time.Time) {
	if start.IsZero() || now.Sub(start) >= window {
		return decimal.Zero, now
	}
	return used, start
}
