package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTriggerService(t *testing.T, e *env, locks *memoryRoundLocks) *Service {
	t.Helper()
	params := ServiceParams{
		Logger:     logger.Nop(),
		Calculator: e.calc,
		Ledger:     e.ledger,
		Now:        fixedNow,
	}
	if locks != nil {
		params.Locks = locks.locker()
	}
	svc, err := NewService(params)
	require.NoError(t, err)
	return svc
}

func TestTriggerAppliesRound(t *testing.T) {
	e := newEnv(t)
	locks := newMemoryRoundLocks()
	svc := newTriggerService(t, e, locks)

	res, err := svc.Trigger(context.Background(), TriggerInput{
		RoundID: " 2026-06-01 ",
		Entries: []commission.Entry{{AccountID: "carol", Profit: d("1000")}},
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "2026-06-01", res.RoundID)
	assert.Equal(t, BatchID("2026-06-01"), res.BatchID)
	assert.Equal(t, 2, res.Lines)
	// Pool 250: bob earns 8% at L1, alice 3% at L2, L3..L10 are missing.
	assert.True(t, res.Distributed.Equal(d("27.5")), res.Distributed.String())
	assert.True(t, res.Unallocated.Equal(d("35")), res.Unallocated.String())
	assert.True(t, res.Apply.NewLiabilities.Equal(d("27.5")))
	assert.True(t, e.balance(t, "bob").Equal(d("20")))
	assert.True(t, e.balance(t, "alice").Equal(d("7.5")))
	assert.True(t, e.ledger.IsApplied(res.BatchID))
	assert.Equal(t, []string{"2026-06-01"}, locks.released)
	assert.Empty(t, locks.held, "round lock must be released after apply")
}

func TestTriggerIsIdempotent(t *testing.T) {
	e := newEnv(t)
	locks := newMemoryRoundLocks()
	svc := newTriggerService(t, e, locks)
	input := TriggerInput{RoundID: "round-9", Entries: []commission.Entry{{AccountID: "carol", Profit: d("1000")}}}

	_, err := svc.Trigger(context.Background(), input)
	require.NoError(t, err)
	again, err := svc.Trigger(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, e.balance(t, "bob").Equal(d("20")), "replay must not credit twice")
	assert.Equal(t, []string{"round-9"}, locks.acquired, "applied rounds skip the lock")
}

func TestTriggerRejectsRoundInFlight(t *testing.T) {
	e := newEnv(t)
	locks := newMemoryRoundLocks()
	locks.orphan("round-3")
	svc := newTriggerService(t, e, locks)

	_, err := svc.Trigger(context.Background(), TriggerInput{RoundID: "round-3", Entries: []commission.Entry{{AccountID: "carol", Profit: d("10")}}})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict), "got %v", err)
	assert.True(t, e.balance(t, "bob").IsZero())
}

func TestTriggerReplaysAfterWorkerCrash(t *testing.T) {
	e := newEnv(t)
	locks := newMemoryRoundLocks()
	svc := newTriggerService(t, e, locks)
	input := TriggerInput{RoundID: "round-7", Entries: []commission.Entry{{AccountID: "carol", Profit: d("1000")}}}

	// A worker took the round lock and died before the batch committed.
	locks.orphan("round-7")
	_, err := svc.Trigger(context.Background(), input)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict), "got %v", err)

	locks.advance(locks.ttl)
	res, err := svc.Trigger(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, e.balance(t, "bob").Equal(d("20")))

	again, err := svc.Trigger(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, e.balance(t, "bob").Equal(d("20")), "replay must not credit twice")
}

func TestTriggerAppliedRoundIgnoresStaleLock(t *testing.T) {
	e := newEnv(t)
	locks := newMemoryRoundLocks()
	svc := newTriggerService(t, e, locks)
	input := TriggerInput{RoundID: "round-8", Entries: []commission.Entry{{AccountID: "carol", Profit: d("1000")}}}

	_, err := svc.Trigger(context.Background(), input)
	require.NoError(t, err)
	// The worker committed the batch but died before releasing the lock.
	locks.orphan("round-8")

	res, err := svc.Trigger(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, e.balance(t, "bob").Equal(d("20")))
}

func TestTriggerFailureReleasesLock(t *testing.T) {
	e := newEnv(t)
	locks := newMemoryRoundLocks()
	svc := newTriggerService(t, e, locks)

	_, err := svc.Trigger(context.Background(), TriggerInput{RoundID: "round-4", Entries: []commission.Entry{
		{AccountID: "carol", Profit: d("100")},
		{AccountID: "ghost", Profit: d("100")},
	}})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount), "got %v", err)
	assert.Equal(t, []string{"round-4"}, locks.released)
	assert.True(t, e.balance(t, "bob").IsZero(), "a failed round applies nothing")

	res, err := svc.Trigger(context.Background(), TriggerInput{RoundID: "round-4", Entries: []commission.Entry{{AccountID: "carol", Profit: d("100")}}})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestTriggerValidation(t *testing.T) {
	e := newEnv(t)
	svc := newTriggerService(t, e, nil)

	_, err := svc.Trigger(context.Background(), TriggerInput{RoundID: "  "})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation), "got %v", err)

	_, err = svc.Trigger(context.Background(), TriggerInput{RoundID: "r", Entries: []commission.Entry{{AccountID: "carol", Profit: d("-1")}}})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation), "got %v", err)
}

func TestTriggerLockUnavailable(t *testing.T) {
	e := newEnv(t)
	locks := newMemoryRoundLocks()
	locks.err = errors.New("redis down")
	svc := newTriggerService(t, e, locks)

	_, err := svc.Trigger(context.Background(), TriggerInput{RoundID: "r", Entries: []commission.Entry{{AccountID: "carol", Profit: d("1")}}})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency), "got %v", err)
}

func TestBatchIDIsStable(t *testing.T) {
	assert.Equal(t, BatchID("round-1"), BatchID(" round-1"))
	assert.NotEqual(t, BatchID("round-1"), BatchID("round-2"))
}
