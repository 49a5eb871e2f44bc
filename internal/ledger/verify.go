package ledger

import (
	"context"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	"github.com/shopspring/decimal"
)

type VerifyReport struct {
	Accounts    int             `json:"accounts"`
	Computed    decimal.Decimal `json:"computed"`
	Tracked     decimal.Decimal `json:"tracked"`
	Consistent  bool            `json:"consistent"`
	FirstFailed string          `json:"first_failed,omitempty"`
}

// Verify recomputes total liabilities from every account under a consistent
// cut and compares it with the tracked aggregate. Drift halts all writes.
func (l *Ledger) Verify(ctx context.Context) (VerifyReport, error) {
	locked := l.store.LockAll()
	defer locked.Unlock()

	l.aggMu.Lock()
	defer l.aggMu.Unlock()

	report := VerifyReport{Computed: decimal.Zero, Tracked: l.agg.totalLiabilities}
	for _, a := range locked.Accounts() {
		report.Accounts++
		if err := a.Validate(); err != nil && report.FirstFailed == "" {
			report.FirstFailed = a.ID
		}
		report.Computed = report.Computed.Add(a.Liability())
	}
	report.Consistent = report.FirstFailed == "" && report.Computed.Equal(report.Tracked)
	if report.Consistent || l.agg.halted {
		return report, nil
	}

	return report, l.haltLocked(ctx, "tracked liabilities disagree with account balances", map[string]any{
		"computed":     report.Computed.String(),
		"tracked":      report.Tracked.String(),
		"first_failed": report.FirstFailed,
	})
}

// Resume clears a halt after an operator investigated it. Liabilities are
// rebuilt from the accounts.
func (l *Ledger) Resume(ctx context.Context, reason, actor string) (Snapshot, error) {
	locked := l.store.LockAll()
	defer locked.Unlock()

	l.aggMu.Lock()
	defer l.aggMu.Unlock()

	total := decimal.Zero
	for _, a := range locked.Accounts() {
		if err := a.Validate(); err != nil {
			return l.agg.snapshot(l.now()), err
		}
		total = total.Add(a.Liability())
	}

	now := l.now()
	t := newTxn(now, nil)
	ev := t.emit(enums.AuditEventSettingsChange, "", decimal.Zero, reason, map[string]any{
		"resumed":     true,
		"liabilities": total.String(),
		"was_halted":  l.agg.halted,
	})
	ev.Actor = actor

	next := l.agg
	next.totalLiabilities = total
	next.halted = false
	next.haltReason = ""
	next.breaker = next.evaluateBreaker()
	next.version++
	if err := l.persist.Commit(ctx, CommitRecord{Events: t.events, State: next.state(now)}); err != nil {
		return l.agg.snapshot(now), err
	}
	l.agg = next
	l.publishLocked()
	if err := l.audit.Append(ctx, t.events...); err != nil {
		l.logg.Error(ctx, "audit sink append failed", err)
	}
	l.logg.Warn(l.logg.WithField(ctx, "actor", actor), "ledger resumed")
	return l.Snapshot(), nil
}
