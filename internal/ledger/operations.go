package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive").
			WithDetails(map[string]any{"amount": amount.String()})
	}
	return nil
}

// Register adds an account under an existing sponsor and persists it.
// Registrations are serialized so a failed commit can always be undone
// before anyone registers beneath the new account.
func (l *Ledger) Register(ctx context.Context, id, sponsorID string) (accounts.Account, error) {
	if s := l.Snapshot(); s.Halted {
		return accounts.Account{}, l.haltedError(s)
	}

	l.regMu.Lock()
	defer l.regMu.Unlock()

	held, acct, err := l.store.Reserve(id, sponsorID, l.now())
	if err != nil {
		return accounts.Account{}, err
	}
	_, err = l.run(ctx, op{name: "register", held: held, apply: func(t *txn) error {
		if err := t.put(acct); err != nil {
			return err
		}
		t.emit(enums.AuditEventAccountRegistered, acct.ID, decimal.Zero, "", map[string]any{"sponsor_id": acct.SponsorID})
		return nil
	}})
	if err != nil {
		if uerr := l.store.Unregister(acct.ID); uerr != nil {
			l.logg.Error(l.logg.WithAccountID(ctx, acct.ID), "failed to drop unpersisted registration", uerr)
		}
		held.Unlock()
		return accounts.Account{}, err
	}
	held.Unlock()
	return l.store.Get(acct.ID)
}

// Credit adds amount to an account. Inactive accounts accrue it as pending.
func (l *Ledger) Credit(ctx context.Context, id string, amount decimal.Decimal, reason string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	_, err := l.run(ctx, op{name: "credit", ids: []string{id}, balance: true, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		typ := enums.AuditEventCredit
		if acct.Active {
			acct.InternalBalance = acct.InternalBalance.Add(amount)
		} else {
			acct.PendingInactive = acct.PendingInactive.Add(amount)
			typ = enums.AuditEventPendingCredit
		}
		if err := t.put(acct); err != nil {
			return err
		}
		t.emit(typ, acct.ID, amount, reason, nil)
		return nil
	}})
	return err
}

// Debit removes amount from the released balance.
func (l *Ledger) Debit(ctx context.Context, id string, amount decimal.Decimal, reason string) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	_, err := l.run(ctx, op{name: "debit", ids: []string{id}, balance: true, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		if acct.InternalBalance.LessThan(amount) {
			return insufficientBalance(acct, amount)
		}
		acct.InternalBalance = acct.InternalBalance.Sub(amount)
		if err := t.put(acct); err != nil {
			return err
		}
		t.emit(enums.AuditEventDebit, acct.ID, amount, reason, nil)
		return nil
	}})
	return err
}

// ReleasePendingInactive moves pending earnings of an active account into
// its balance and returns the released amount.
func (l *Ledger) ReleasePendingInactive(ctx context.Context, id string) (decimal.Decimal, error) {
	released := decimal.Zero
	_, err := l.run(ctx, op{name: "release_pending", ids: []string{id}, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		if !acct.Active {
			return pkgerrors.New(pkgerrors.CodeConflict, "pending earnings are released only to active accounts").
				WithDetails(map[string]any{"account_id": acct.ID})
		}
		released = releasePending(t, &acct)
		return t.put(acct)
	}})
	if err != nil {
		return decimal.Zero, err
	}
	return released, nil
}

// releasePending moves the pending bucket into the balance of acct. The
// caller stores acct.
func releasePending(t *txn, acct *accounts.Account) decimal.Decimal {
	amount := acct.PendingInactive
	if !amount.IsPositive() {
		return decimal.Zero
	}
	acct.InternalBalance = acct.InternalBalance.Add(amount)
	acct.PendingInactive = decimal.Zero
	t.emit(enums.AuditEventPendingRelease, acct.ID, amount, "", nil)
	return amount
}

// activate flips acct to active, grants the base levels and releases pending
// earnings in the same write.
func activate(t *txn, acct *accounts.Account, reason string) decimal.Decimal {
	acct.Active = true
	if acct.UnlockedLevel < accounts.BaseLevel {
		acct.UnlockedLevel = accounts.BaseLevel
	}
	t.emit(enums.AuditEventActivation, acct.ID, decimal.Zero, reason, map[string]any{"active": true})
	return releasePending(t, acct)
}

// SetActive records an activation change. Reactivation releases pending
// earnings atomically and returns the released amount. An external
// activation clears any paid period, so the expiry job leaves the account
// alone afterwards.
func (l *Ledger) SetActive(ctx context.Context, id string, active bool) (decimal.Decimal, error) {
	released := decimal.Zero
	_, err := l.run(ctx, op{name: "set_active", ids: []string{id}, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		hadExpiry := !acct.SubscriptionExpiry.IsZero()
		if active {
			acct.SubscriptionExpiry = time.Time{}
		}
		if acct.Active == active {
			if active && hadExpiry {
				return t.put(acct)
			}
			return nil
		}
		if active {
			released = activate(t, &acct, "")
		} else {
			acct.Active = false
			t.emit(enums.AuditEventActivation, acct.ID, decimal.Zero, "", map[string]any{"active": false})
		}
		return t.put(acct)
	}})
	if err != nil {
		return decimal.Zero, err
	}
	return released, nil
}

// ApplyEligibility stores an eligibility outcome. Levels of inactive
// accounts stay frozen; only the direct count is refreshed.
func (l *Ledger) ApplyEligibility(ctx context.Context, id string, level, directActiveCount int) (bool, error) {
	if level < 0 || level > accounts.MaxLevel {
		return false, pkgerrors.Newf(pkgerrors.CodeValidation, "unlocked level %d out of range", level)
	}
	changed := false
	_, err := l.run(ctx, op{name: "apply_eligibility", ids: []string{id}, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		acct.DirectActiveCount = directActiveCount
		if acct.Active && acct.UnlockedLevel != level {
			t.emit(enums.AuditEventUnlockChange, acct.ID, decimal.Zero, "eligibility refresh", map[string]any{
				"from": acct.UnlockedLevel,
				"to":   level,
			})
			acct.UnlockedLevel = level
			changed = true
		}
		return t.put(acct)
	}})
	return changed, err
}

// SetUnlockedLevel is the operator override for an account's unlock level.
func (l *Ledger) SetUnlockedLevel(ctx context.Context, id string, level int, reason string) error {
	if level < 1 || level > accounts.MaxLevel {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "unlocked level must be between 1 and %d", accounts.MaxLevel)
	}
	_, err := l.run(ctx, op{name: "set_unlocked_level", ids: []string{id}, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		if acct.UnlockedLevel == level {
			return nil
		}
		t.emit(enums.AuditEventUnlockChange, acct.ID, decimal.Zero, reason, map[string]any{
			"from": acct.UnlockedLevel,
			"to":   level,
		})
		acct.UnlockedLevel = level
		return t.put(acct)
	}})
	return err
}

func (l *Ledger) SetVolume(ctx context.Context, id string, volume decimal.Decimal) error {
	if volume.IsNegative() {
		return pkgerrors.New(pkgerrors.CodeValidation, "volume must not be negative")
	}
	_, err := l.run(ctx, op{name: "set_volume", ids: []string{id}, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		acct.MonthlyVolume = volume
		return t.put(acct)
	}})
	return err
}

func (l *Ledger) SetKYCStatus(ctx context.Context, id string, status enums.KYCStatus) error {
	if !status.IsValid() {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "kyc status %d out of range", int(status))
	}
	_, err := l.run(ctx, op{name: "set_kyc_status", ids: []string{id}, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		if acct.KYCStatus == status {
			return nil
		}
		t.emit(enums.AuditEventSettingsChange, acct.ID, decimal.Zero, "kyc status", map[string]any{
			"from": acct.KYCStatus.String(),
			"to":   status.String(),
		})
		acct.KYCStatus = status
		return t.put(acct)
	}})
	return err
}

// Transfer moves released balance between two accounts. Total liabilities
// are unchanged.
func (l *Ledger) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if accounts.NormalizeID(fromID) == accounts.NormalizeID(toID) {
		return pkgerrors.New(pkgerrors.CodeValidation, "cannot transfer to the same account")
	}
	_, err := l.run(ctx, op{name: "transfer", ids: []string{fromID, toID}, apply: func(t *txn) error {
		from, err := t.account(fromID)
		if err != nil {
			return err
		}
		to, err := t.account(toID)
		if err != nil {
			return err
		}
		if from.InternalBalance.LessThan(amount) {
			return insufficientBalance(from, amount)
		}
		from.InternalBalance = from.InternalBalance.Sub(amount)
		to.InternalBalance = to.InternalBalance.Add(amount)
		if err := t.put(from); err != nil {
			return err
		}
		if err := t.put(to); err != nil {
			return err
		}
		t.emit(enums.AuditEventTransfer, from.ID, amount, "", map[string]any{"to": to.ID})
		return nil
	}})
	return err
}

// ActivateSubscription charges the subscription fee, extends the paid
// period and activates the account. A share of the fee is earmarked for the
// emergency reserve.
func (l *Ledger) ActivateSubscription(ctx context.Context, id string, fromBalance bool, now time.Time) (time.Time, error) {
	fee := l.cfg.SubscriptionFee
	share := fee.Mul(decimal.NewFromInt(l.cfg.ReserveShareBps)).Div(bpsScale).Truncate(6)
	var expiry time.Time

	_, err := l.run(ctx, op{name: "activate_subscription", ids: []string{id}, balance: true, apply: func(t *txn) error {
		acct, err := t.account(id)
		if err != nil {
			return err
		}
		if fromBalance {
			if acct.InternalBalance.LessThan(fee) {
				return insufficientBalance(acct, fee)
			}
			acct.InternalBalance = acct.InternalBalance.Sub(fee)
		} else {
			t.assets = t.assets.Add(fee)
		}

		if acct.SubscriptionActive(now) {
			acct.SubscriptionExpiry = acct.SubscriptionExpiry.Add(l.cfg.SubscriptionPeriod)
		} else {
			acct.SubscriptionExpiry = now.Add(l.cfg.SubscriptionPeriod)
		}
		expiry = acct.SubscriptionExpiry
		if !acct.Active {
			activate(t, &acct, "subscription")
		}
		if err := t.put(acct); err != nil {
			return err
		}

		t.reserve = t.reserve.Add(share)
		t.emit(enums.AuditEventSubscription, acct.ID, fee, "", map[string]any{
			"from_balance":  fromBalance,
			"expires_at":    expiry,
			"reserve_share": share.String(),
		})
		return nil
	}})
	if err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// ExpireSubscriptions deactivates accounts whose paid period has ended.
// Accounts activated without a subscription are left alone.
func (l *Ledger) ExpireSubscriptions(ctx context.Context, now time.Time) (int, error) {
	var (
		expired int
		errs    error
	)
	for _, a := range l.store.List() {
		if !a.Active || a.SubscriptionExpiry.IsZero() || now.Before(a.SubscriptionExpiry) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return expired, multierr.Append(errs, err)
		}
		done := false
		_, err := l.run(ctx, op{name: "expire_subscription", ids: []string{a.ID}, apply: func(t *txn) error {
			acct, err := t.account(a.ID)
			if err != nil {
				return err
			}
			if !acct.Active || acct.SubscriptionActive(now) {
				return nil
			}
			acct.Active = false
			t.emit(enums.AuditEventActivation, acct.ID, decimal.Zero, "subscription expired", map[string]any{"active": false})
			done = true
			return t.put(acct)
		}})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire %s: %w", a.ID, err))
			continue
		}
		if done {
			expired++
		}
	}
	return expired, errs
}

func insufficientBalance(acct accounts.Account, amount decimal.Decimal) error {
	return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "insufficient balance").
		WithDetails(map[string]any{
			"account_id": acct.ID,
			"balance":    acct.InternalBalance.String(),
			"amount":     amount.String(),
		})
}
