package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/ratelimit"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixedNow() time.Time { return testNow }

type env struct {
	store  *accounts.Store
	ledger *ledger.Ledger
	calc   *commission.Calculator
}

// newEnv builds alice (root) <- bob <- carol, all active, with healthy
// reserves.
func newEnv(t *testing.T) *env {
	t.Helper()
	store := accounts.NewStore()
	limiter, err := ratelimit.New(ratelimit.DefaultLimits(), store, fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.New(ledger.DefaultConfig(), store, limiter, ledger.Options{Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	calc, err := commission.New(commission.DefaultConfig(), store, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for _, acct := range [][2]string{{"alice", ""}, {"bob", "alice"}, {"carol", "bob"}} {
		if _, err := l.Register(ctx, acct[0], acct[1]); err != nil {
			t.Fatal(err)
		}
		if _, err := l.SetActive(ctx, acct[0], true); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.ReportReserveAssets(ctx, d("1000000")); err != nil {
		t.Fatal(err)
	}
	return &env{store: store, ledger: l, calc: calc}
}

func (e *env) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	a, err := e.ledger.Account(id)
	if err != nil {
		t.Fatal(err)
	}
	return a.InternalBalance
}

// memoryRoundLocks mimics SETNX locks with a TTL measured on a settable
// clock, so tests can let a dead worker's lock lapse.
type memoryRoundLocks struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      time.Time
	held     map[string]time.Time
	acquired []string
	released []string
	err      error
}

func newMemoryRoundLocks() *memoryRoundLocks {
	return &memoryRoundLocks{ttl: 5 * time.Minute, now: testNow, held: map[string]time.Time{}}
}

func (m *memoryRoundLocks) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// orphan leaves round locked as if its worker died mid-apply.
func (m *memoryRoundLocks) orphan(round string) {
	m.mu.Lock()
	m.held[round] = m.now.Add(m.ttl)
	m.mu.Unlock()
}

func (m *memoryRoundLocks) locker() RoundLocker {
	return func(round string) (RoundLock, error) {
		return &memoryRoundLock{locks: m, round: round}, nil
	}
}

type memoryRoundLock struct {
	locks *memoryRoundLocks
	round string
	owned bool
}

func (l *memoryRoundLock) Acquire(context.Context) (bool, error) {
	m := l.locks
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if until, ok := m.held[l.round]; ok && m.now.Before(until) {
		return false, nil
	}
	m.held[l.round] = m.now.Add(m.ttl)
	m.acquired = append(m.acquired, l.round)
	l.owned = true
	return true, nil
}

func (l *memoryRoundLock) Release(context.Context) error {
	m := l.locks
	m.mu.Lock()
	defer m.mu.Unlock()
	if !l.owned {
		return nil
	}
	delete(m.held, l.round)
	m.released = append(m.released, l.round)
	l.owned = false
	return nil
}
