package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/audit"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// txn stages one mutation against locked accounts. Every account write
// records its prior value so a failure anywhere restores all of them.
type txn struct {
	now    time.Time
	locked *accounts.Locked

	undo    map[string]accounts.Account
	touched []string

	liabilities decimal.Decimal
	assets      decimal.Decimal
	reserve     decimal.Decimal

	events []audit.Event
	batch  *BatchMarker

	// settle runs under the aggregate lock with the current and proposed
	// aggregate. It may adjust next or refuse the mutation.
	settle func(cur aggregate, next *aggregate) error
}

func newTxn(now time.Time, locked *accounts.Locked) *txn {
	return &txn{
		now:         now,
		locked:      locked,
		undo:        map[string]accounts.Account{},
		liabilities: decimal.Zero,
		assets:      decimal.Zero,
		reserve:     decimal.Zero,
	}
}

func (t *txn) account(id string) (accounts.Account, error) {
	if t.locked == nil {
		return accounts.Account{}, pkgerrors.New(pkgerrors.CodeInternal, "no accounts held")
	}
	a, ok := t.locked.Get(id)
	if !ok {
		return accounts.Account{}, pkgerrors.New(pkgerrors.CodeInternal, "account not held by this mutation").
			WithDetails(map[string]any{"account_id": id})
	}
	return a, nil
}

// put validates and stores a, tracking the liability delta.
func (t *txn) put(a accounts.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	prev, err := t.account(a.ID)
	if err != nil {
		return err
	}
	if _, seen := t.undo[a.ID]; !seen {
		t.undo[a.ID] = prev
		t.touched = append(t.touched, a.ID)
	}
	a.UpdatedAt = t.now
	t.liabilities = t.liabilities.Add(a.Liability().Sub(prev.Liability()))
	return t.locked.Put(a)
}

func (t *txn) emit(typ enums.AuditEventType, accountID string, amount decimal.Decimal, reason string, data map[string]any) *audit.Event {
	ev := audit.NewEvent(typ, accountID, amount, reason, t.now)
	ev.Data = data
	if t.batch != nil {
		ev.BatchID = t.batch.Batch.ID
	}
	t.events = append(t.events, ev)
	return &t.events[len(t.events)-1]
}

func (t *txn) rollback() {
	for id, prev := range t.undo {
		_ = t.locked.Put(prev)
		delete(t.undo, id)
	}
}

func (t *txn) changed() []accounts.Account {
	ids := append([]string(nil), t.touched...)
	sort.Strings(ids)
	out := make([]accounts.Account, 0, len(ids))
	for _, id := range ids {
		a, _ := t.locked.Get(id)
		out = append(out, a)
	}
	return out
}

// op describes one single-writer mutation.
type op struct {
	name string
	ids  []string
	// held replaces ids when the caller already owns the account locks.
	held *accounts.Locked
	// balance marks operations after which the breaker is re-evaluated.
	balance bool
	apply   func(t *txn) error
}

// run executes o: account locks, staged changes, aggregate update, durable
// commit, snapshot publication. Nothing is visible unless every step
// succeeds.
func (l *Ledger) run(ctx context.Context, o op) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if s := l.Snapshot(); s.Halted {
		return s, l.haltedError(s)
	}

	locked := o.held
	if locked == nil && len(o.ids) > 0 {
		lk, err := l.store.Lock(o.ids...)
		if err != nil {
			return Snapshot{}, err
		}
		defer lk.Unlock()
		locked = lk
	}

	t := newTxn(l.now(), locked)
	if o.apply != nil {
		if err := o.apply(t); err != nil {
			t.rollback()
			return Snapshot{}, err
		}
	}

	l.aggMu.Lock()
	defer l.aggMu.Unlock()

	cur := l.agg
	if cur.halted {
		t.rollback()
		s := cur.snapshot(t.now)
		return s, l.haltedError(s)
	}

	next := cur
	next.totalLiabilities = cur.totalLiabilities.Add(t.liabilities)
	next.reportedAssets = decimal.Max(cur.reportedAssets.Add(t.assets), decimal.Zero)
	next.emergencyReserve = cur.emergencyReserve.Add(t.reserve)

	if next.totalLiabilities.IsNegative() {
		t.rollback()
		return Snapshot{}, l.haltLocked(ctx, "total liabilities went negative", map[string]any{
			"operation":   o.name,
			"liabilities": next.totalLiabilities.String(),
		})
	}
	if t.settle != nil {
		if err := t.settle(cur, &next); err != nil {
			t.rollback()
			return Snapshot{}, err
		}
	}

	var transition *enums.BreakerState
	if o.balance {
		if to := next.evaluateBreaker(); to != next.breaker {
			bps, infinite := next.ratio()
			t.emit(enums.AuditEventBreakerTransition, "", decimal.Zero, o.name, map[string]any{
				"from":           string(next.breaker),
				"to":             string(to),
				"ratio_bps":      bps,
				"infinite_ratio": infinite,
				"min_bps":        next.minSolvencyBps,
			})
			next.breaker = to
			transition = &to
		}
	}
	next.version++

	rec := CommitRecord{
		Events: t.events,
		State:  next.state(t.now),
		Batch:  t.batch,
	}
	rec.State.TreasuryUsed, rec.State.TreasuryWindowStart = l.limiter.TreasuryWindow()
	if locked != nil {
		rec.Accounts = t.changed()
	}
	if err := l.persist.Commit(ctx, rec); err != nil {
		t.rollback()
		l.logg.Error(l.logg.WithField(ctx, "operation", o.name), "ledger commit failed", err)
		return Snapshot{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist ledger mutation")
	}

	l.agg = next
	l.publishLocked()
	if transition != nil {
		l.metrics.ObserveBreakerTransition(*transition)
		l.logg.Warn(l.logg.WithFields(ctx, map[string]any{
			"operation": o.name,
			"breaker":   string(*transition),
		}), "circuit breaker transition")
	}
	if len(t.events) > 0 {
		if err := l.audit.Append(ctx, t.events...); err != nil {
			l.logg.Error(ctx, "audit sink append failed", err)
		}
	}
	return l.Snapshot(), nil
}
