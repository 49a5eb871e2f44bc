package ledger

import (
	"context"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// ReportReserveAssets replaces the externally reported reserve balance and
// re-evaluates the breaker.
func (l *Ledger) ReportReserveAssets(ctx context.Context, amount decimal.Decimal) (Snapshot, error) {
	if amount.IsNegative() {
		return Snapshot{}, pkgerrors.New(pkgerrors.CodeValidation, "reported assets must not be negative")
	}
	return l.run(ctx, op{name: "report_reserve_assets", balance: true, apply: func(t *txn) error {
		t.settle = func(cur aggregate, next *aggregate) error {
			next.reportedAssets = amount
			if next.emergencyReserve.GreaterThan(amount) {
				// The earmark cannot exceed what is actually held.
				next.emergencyReserve = amount
				l.logg.Warn(l.logg.WithField(ctx, "reserve", cur.emergencyReserve.String()), "emergency reserve clamped to reported assets")
			}
			t.emit(enums.AuditEventReserveReport, "", amount, "", map[string]any{"previous": cur.reportedAssets.String()})
			return nil
		}
		return nil
	}})
}

// SetMaintenance toggles the manual override. While on, the breaker holds
// TRIPPED whatever the ratio.
func (l *Ledger) SetMaintenance(ctx context.Context, on bool, reason string) (Snapshot, error) {
	return l.run(ctx, op{name: "set_maintenance", balance: true, apply: func(t *txn) error {
		t.settle = func(cur aggregate, next *aggregate) error {
			next.maintenance = on
			if cur.maintenance != on {
				t.emit(enums.AuditEventSettingsChange, "", decimal.Zero, reason, map[string]any{"maintenance": on})
			}
			return nil
		}
		return nil
	}})
}

// ResetBreaker forces the breaker back to NORMAL. The next balance-affecting
// operation trips it again if the ratio is still below the minimum.
func (l *Ledger) ResetBreaker(ctx context.Context, reason string) (Snapshot, error) {
	return l.run(ctx, op{name: "reset_breaker", apply: func(t *txn) error {
		t.settle = func(cur aggregate, next *aggregate) error {
			if cur.maintenance {
				return pkgerrors.New(pkgerrors.CodeConflict, "breaker is held by maintenance mode")
			}
			if cur.breaker == enums.BreakerStateNormal {
				return nil
			}
			next.breaker = enums.BreakerStateNormal
			t.emit(enums.AuditEventBreakerTransition, "", decimal.Zero, reason, map[string]any{
				"from":   string(cur.breaker),
				"to":     string(enums.BreakerStateNormal),
				"manual": true,
			})
			return nil
		}
		return nil
	}})
}

func (l *Ledger) SetMinSolvencyBps(ctx context.Context, bps int64) (Snapshot, error) {
	if bps < MinSolvencyFloorBps {
		return Snapshot{}, pkgerrors.Newf(pkgerrors.CodeValidation, "minimum solvency must be at least %d bps", MinSolvencyFloorBps)
	}
	return l.run(ctx, op{name: "set_min_solvency", balance: true, apply: func(t *txn) error {
		t.settle = func(cur aggregate, next *aggregate) error {
			next.minSolvencyBps = bps
			if cur.minSolvencyBps != bps {
				t.emit(enums.AuditEventSettingsChange, "", decimal.Zero, "min solvency", map[string]any{
					"from": cur.minSolvencyBps,
					"to":   bps,
				})
			}
			return nil
		}
		return nil
	}})
}
