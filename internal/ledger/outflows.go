package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Receipt confirms an outflow that left the reserve.
type Receipt struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    string          `json:"account_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	At           time.Time       `json:"at"`
	Snapshot     Snapshot        `json:"snapshot"`
}

func breakerActive(s Snapshot) error {
	return pkgerrors.New(pkgerrors.CodeBreakerActive, "outflows are frozen by the circuit breaker").
		WithDetails(map[string]any{
			"ratio_bps":   s.SolvencyRatioBps,
			"min_bps":     s.MinSolvencyBps,
			"maintenance": s.Maintenance,
		})
}

func requireBreakerNormal(cur aggregate) error {
	if cur.breaker == enums.BreakerStateTripped {
		return breakerActive(cur.snapshot(time.Time{}))
	}
	return nil
}

// Withdraw pays out released balance. Checks run in order: breaker, KYC,
// rate limits, balance. The withdrawn funds leave the reported reserve.
func (l *Ledger) Withdraw(ctx context.Context, id string, amount decimal.Decimal) (Receipt, error) {
	receipt, err := l.withdraw(ctx, id, amount)
	l.metrics.ObserveWithdrawal(outcome(err))
	return receipt, err
}

func (l *Ledger) withdraw(ctx context.Context, id string, amount decimal.Decimal) (Receipt, error) {
	if err := requirePositive(amount); err != nil {
		return Receipt{}, err
	}
	if s := l.Snapshot(); s.BreakerActive() {
		return Receipt{}, breakerActive(s)
	}

	receipt := Receipt{ID: uuid.New(), Amount: amount}
	snap, err := l.run(ctx, op{name: "withdraw", ids: []string{id}, balance: true, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		if l.cfg.RequireKYC && acct.KYCStatus != enums.KYCStatusApproved {
			return pkgerrors.New(pkgerrors.CodeKYCRequired, "kyc approval required for withdrawals").
				WithDetails(map[string]any{"account_id": acct.ID, "kyc_status": acct.KYCStatus.String()})
		}
		if err := l.limiter.Evaluate(acct, amount, t.now); err != nil {
			return err
		}
		if acct.InternalBalance.LessThan(amount) {
			return insufficientBalance(acct, amount)
		}

		acct.InternalBalance = acct.InternalBalance.Sub(amount)
		l.limiter.Record(&acct, amount, t.now)
		if err := t.put(acct); err != nil {
			return err
		}
		t.assets = t.assets.Sub(amount)
		t.emit(enums.AuditEventWithdrawal, acct.ID, amount, "", map[string]any{"receipt_id": receipt.ID.String()})
		t.settle = func(cur aggregate, _ *aggregate) error {
			return requireBreakerNormal(cur)
		}

		receipt.AccountID = acct.ID
		receipt.BalanceAfter = acct.InternalBalance
		receipt.At = t.now
		return nil
	}})
	if err != nil {
		return Receipt{}, err
	}
	receipt.Snapshot = snap
	return receipt, nil
}

// TreasuryPayout moves platform funds out of the reserve. It is bounded by
// the daily treasury cap, by the assets outside the emergency reserve and by
// the solvency minimum after the payout.
func (l *Ledger) TreasuryPayout(ctx context.Context, amount decimal.Decimal, reason string) (Receipt, error) {
	if err := requirePositive(amount); err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return Receipt{}, pkgerrors.New(pkgerrors.CodeValidation, "treasury payout requires a reason")
	}
	if s := l.Snapshot(); s.BreakerActive() {
		return Receipt{}, breakerActive(s)
	}

	now := l.now()
	if err := l.limiter.ReserveTreasury(amount, now); err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{ID: uuid.New(), Amount: amount, At: now}
	snap, err := l.run(ctx, op{name: "treasury_payout", balance: true, apply: func(t *txn) error {
		t.assets = t.assets.Sub(amount)
		t.emit(enums.AuditEventTreasuryPayout, "", amount, reason, map[string]any{"receipt_id": receipt.ID.String()})
		t.settle = func(cur aggregate, next *aggregate) error {
			if err := requireBreakerNormal(cur); err != nil {
				return err
			}
			available := decimal.Max(cur.reportedAssets.Sub(cur.emergencyReserve), decimal.Zero)
			if amount.GreaterThan(available) {
				return pkgerrors.New(pkgerrors.CodeSolvencyFloor, "payout exceeds assets outside the emergency reserve").
					WithDetails(map[string]any{"amount": amount.String(), "available": available.String()})
			}
			if next.breached() {
				bps, _ := next.ratio()
				return pkgerrors.New(pkgerrors.CodeSolvencyFloor, "payout would breach the solvency minimum").
					WithDetails(map[string]any{"amount": amount.String(), "ratio_bps_after": bps, "min_bps": next.minSolvencyBps})
			}
			return nil
		}
		return nil
	}})
	if err != nil {
		l.limiter.ReleaseTreasury(amount)
		return Receipt{}, err
	}
	receipt.Snapshot = snap
	return receipt, nil
}

// FundEmergencyReserve earmarks more of the reported assets as emergency
// reserve.
func (l *Ledger) FundEmergencyReserve(ctx context.Context, amount decimal.Decimal, reason string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	_, err := l.run(ctx, op{name: "fund_emergency_reserve", apply: func(t *txn) error {
		t.reserve = t.reserve.Add(amount)
		t.emit(enums.AuditEventReserveFund, "", amount, reason, nil)
		t.settle = func(_ aggregate, next *aggregate) error {
			if next.emergencyReserve.GreaterThan(next.reportedAssets) {
				return pkgerrors.New(pkgerrors.CodeValidation, "emergency reserve cannot exceed reported assets").
					WithDetails(map[string]any{"reserve": next.emergencyReserve.String(), "assets": next.reportedAssets.String()})
			}
			return nil
		}
		return nil
	}})
	return err
}

// DrawEmergencyReserve spends from the ring-fenced reserve. Every draw needs
// a reason and an actor and is audited. It is not gated by the breaker.
func (l *Ledger) DrawEmergencyReserve(ctx context.Context, amount decimal.Decimal, reason, actor string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" || strings.TrimSpace(actor) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "emergency reserve draws require a reason and an actor")
	}
	_, err := l.run(ctx, op{name: "draw_emergency_reserve", balance: true, apply: func(t *txn) error {
		t.reserve = t.reserve.Sub(amount)
		t.assets = t.assets.Sub(amount)
		ev := t.emit(enums.AuditEventReserveDraw, "", amount, reason, nil)
		ev.Actor = actor
		t.settle = func(cur aggregate, _ *aggregate) error {
			if cur.emergencyReserve.LessThan(amount) {
				return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "emergency reserve too small").
					WithDetails(map[string]any{"reserve": cur.emergencyReserve.String(), "amount": amount.String()})
			}
			return nil
		}
		return nil
	}})
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(pkgerrors.CodeOf(err)))
}
