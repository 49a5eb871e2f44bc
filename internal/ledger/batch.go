package ledger

import (
	"context"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch is one settlement round of commission lines, applied all or nothing.
type Batch struct {
	ID          uuid.UUID         `json:"id"`
	RoundID     string            `json:"round_id"`
	Lines       []commission.Line `json:"lines"`
	Unallocated decimal.Decimal   `json:"unallocated"`
	Remainder   decimal.Decimal   `json:"remainder"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Total sums every line amount.
func (b Batch) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.Lines {
		total = total.Add(line.Amount)
	}
	return total
}

// PendingTotal sums lines computed for inactive recipients.
func (b Batch) PendingTotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range b.Lines {
		if line.Pending {
			total = total.Add(line.Amount)
		}
	}
	return total
}

func (b Batch) validate() error {
	if b.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "batch id is required")
	}
	for i, line := range b.Lines {
		switch {
		case accounts.NormalizeID(line.RecipientID) == "":
			return pkgerrors.Newf(pkgerrors.CodeValidation, "line %d has no recipient", i)
		case line.Amount.IsNegative():
			return pkgerrors.Newf(pkgerrors.CodeValidation, "line %d has a negative amount", i)
		case line.Level < 1 || line.Level > accounts.MaxLevel:
			return pkgerrors.Newf(pkgerrors.CodeValidation, "line %d has level %d out of range", i, line.Level)
		}
	}
	return nil
}

type ApplyResult struct {
	BatchID        uuid.UUID       `json:"batch_id"`
	AppliedCount   int             `json:"applied_count"`
	Recipients     int             `json:"recipients"`
	Credited       decimal.Decimal `json:"credited"`
	Pending        decimal.Decimal `json:"pending"`
	NewLiabilities decimal.Decimal `json:"new_liabilities"`
	Duplicate      bool            `json:"duplicate"`
}

type ReversalResult struct {
	BatchID    uuid.UUID                  `json:"batch_id"`
	Reversed   decimal.Decimal            `json:"reversed"`
	Shortfall  decimal.Decimal            `json:"shortfall"`
	Shortfalls map[string]decimal.Decimal `json:"shortfalls,omitempty"`
	Duplicate  bool                       `json:"duplicate"`
}

// IsApplied reports whether a batch id has already been applied.
func (l *Ledger) IsApplied(id uuid.UUID) bool {
	l.batchMu.Lock()
	defer l.batchMu.Unlock()
	_, ok := l.batches[id]
	return ok
}

// ApplyBatch credits every line of the batch in one mutation. Lines are
// summed per recipient and routed at apply time: active recipients get
// released balance, inactive ones accrue pending. Replaying an applied batch
// id is a no-op.
func (l *Ledger) ApplyBatch(ctx context.Context, batch Batch) (ApplyResult, error) {
	if err := batch.validate(); err != nil {
		return ApplyResult{}, err
	}

	l.batchMu.Lock()
	defer l.batchMu.Unlock()

	if _, applied := l.batches[batch.ID]; applied {
		return ApplyResult{
			BatchID:        batch.ID,
			Duplicate:      true,
			NewLiabilities: l.Snapshot().TotalLiabilities,
		}, nil
	}

	batch.Lines = append([]commission.Line(nil), batch.Lines...)
	commission.SortLines(batch.Lines)
	totals := commission.Aggregate(batch.Lines)

	ids := make([]string, len(totals))
	for i, rt := range totals {
		ids[i] = rt.RecipientID
	}

	res := ApplyResult{
		BatchID:      batch.ID,
		AppliedCount: len(batch.Lines),
		Recipients:   len(totals),
		Credited:     decimal.Zero,
		Pending:      decimal.Zero,
	}
	snap, err := l.run(ctx, op{name: "apply_batch", ids: ids, balance: true, apply: func(t *txn) error {
		t.batch = &BatchMarker{Batch: batch, Status: enums.SettlementStatusUncommitted, At: t.now}
		for _, rt := range totals {
			acct, err := t.account(rt.RecipientID)
			if err != nil {
				return err
			}
			if acct.Active {
				acct.InternalBalance = acct.InternalBalance.Add(rt.Amount)
				res.Credited = res.Credited.Add(rt.Amount)
				t.emit(enums.AuditEventCredit, acct.ID, rt.Amount, batch.RoundID, map[string]any{"lines": len(rt.Lines)})
			} else {
				acct.PendingInactive = acct.PendingInactive.Add(rt.Amount)
				res.Pending = res.Pending.Add(rt.Amount)
				t.emit(enums.AuditEventPendingCredit, acct.ID, rt.Amount, batch.RoundID, map[string]any{"lines": len(rt.Lines)})
			}
			if err := t.put(acct); err != nil {
				return err
			}
		}
		t.emit(enums.AuditEventBatchApplied, "", batch.Total(), batch.RoundID, map[string]any{
			"lines":       len(batch.Lines),
			"recipients":  len(totals),
			"unallocated": batch.Unallocated.String(),
			"remainder":   batch.Remainder.String(),
		})
		return nil
	}})
	if err != nil {
		return ApplyResult{}, err
	}

	l.batches[batch.ID] = batchState{}
	res.NewLiabilities = snap.TotalLiabilities
	l.logg.Info(l.logg.WithFields(l.logg.WithBatchID(ctx, batch.ID.String()), map[string]any{
		"round_id":   batch.RoundID,
		"lines":      res.AppliedCount,
		"recipients": res.Recipients,
		"credited":   res.Credited.String(),
		"pending":    res.Pending.String(),
	}), "commission batch applied")
	return res, nil
}

// ReverseBatch undoes a previously applied batch after its external commit
// failed for good. Each recipient gives back from pending first, then from
// balance; whatever was already withdrawn is reported as shortfall and never
// driven negative.
func (l *Ledger) ReverseBatch(ctx context.Context, batch Batch, reason string) (ReversalResult, error) {
	if err := batch.validate(); err != nil {
		return ReversalResult{}, err
	}

	l.batchMu.Lock()
	defer l.batchMu.Unlock()

	state, applied := l.batches[batch.ID]
	if !applied {
		return ReversalResult{}, pkgerrors.New(pkgerrors.CodeNotFound, "batch was never applied").
			WithDetails(map[string]any{"batch_id": batch.ID.String()})
	}
	if state.reversed {
		return ReversalResult{BatchID: batch.ID, Duplicate: true}, nil
	}

	lines := append([]commission.Line(nil), batch.Lines...)
	commission.SortLines(lines)
	totals := commission.Aggregate(lines)
	ids := make([]string, len(totals))
	for i, rt := range totals {
		ids[i] = rt.RecipientID
	}

	res := ReversalResult{BatchID: batch.ID, Reversed: decimal.Zero, Shortfall: decimal.Zero}
	_, err := l.run(ctx, op{name: "reverse_batch", ids: ids, balance: true, apply: func(t *txn) error {
		t.batch = &BatchMarker{Batch: batch, Status: enums.SettlementStatusReversed, Note: reason, At: t.now}
		for _, rt := range totals {
			acct, err := t.account(rt.RecipientID)
			if err != nil {
				return err
			}
			fromPending := decimal.Min(acct.PendingInactive, rt.Amount)
			rest := rt.Amount.Sub(fromPending)
			fromBalance := decimal.Min(acct.InternalBalance, rest)
			short := rest.Sub(fromBalance)

			acct.PendingInactive = acct.PendingInactive.Sub(fromPending)
			acct.InternalBalance = acct.InternalBalance.Sub(fromBalance)
			if err := t.put(acct); err != nil {
				return err
			}

			reversed := fromPending.Add(fromBalance)
			res.Reversed = res.Reversed.Add(reversed)
			if short.IsPositive() {
				res.Shortfall = res.Shortfall.Add(short)
				if res.Shortfalls == nil {
					res.Shortfalls = map[string]decimal.Decimal{}
				}
				res.Shortfalls[acct.ID] = short
			}
			t.emit(enums.AuditEventBatchReversed, acct.ID, reversed, reason, map[string]any{
				"from_pending": fromPending.String(),
				"from_balance": fromBalance.String(),
				"shortfall":    short.String(),
			})
		}
		t.batch.Shortfall = res.Shortfall
		return nil
	}})
	if err != nil {
		return ReversalResult{}, err
	}

	l.batches[batch.ID] = batchState{reversed: true}
	if res.Shortfall.IsPositive() {
		l.logg.Warn(l.logg.WithFields(l.logg.WithBatchID(ctx, batch.ID.String()), map[string]any{
			"shortfall": res.Shortfall.String(),
		}), "batch reversal left a shortfall")
	}
	return res, nil
}
