package accounts

import (
	"fmt"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func buildChain(t *testing.T, s *Store, n int) []string {
	t.Helper()
	ids := make([]string, n)
	sponsor := ""
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("acct-%02d", i)
		if _, err := s.Register(id, sponsor, testNow); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		ids[i] = id
		sponsor = id
	}
	return ids
}

func TestRegisterRequiresExistingSponsor(t *testing.T) {
	s := NewStore()
	if _, err := s.Register("child", "ghost", testNow); !pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
	if _, err := s.Register("root", "", testNow); err != nil {
		t.Fatalf("register root: %v", err)
	}
	if _, err := s.Register("ROOT ", "", testNow); !pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict for normalized duplicate, got %v", err)
	}
	if _, err := s.Register("self", "self", testNow); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for self sponsor, got %v", err)
	}
	if _, err := s.Register("", "root", testNow); !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
}

func TestUplineIsBoundedAndOrdered(t *testing.T) {
	s := NewStore()
	ids := buildChain(t, s, 13)
	leaf := ids[len(ids)-1]

	up, err := s.Upline(leaf, MaxLevel)
	if err != nil {
		t.Fatalf("upline: %v", err)
	}
	if len(up) != MaxLevel {
		t.Fatalf("expected %d sponsors, got %d", MaxLevel, len(up))
	}
	for i, a := range up {
		want := ids[len(ids)-2-i]
		if a.ID != want {
			t.Fatalf("level %d expected %s got %s", i+1, want, a.ID)
		}
	}

	up, err = s.Upline(leaf, 50)
	if err != nil || len(up) != MaxLevel {
		t.Fatalf("depth should clamp to %d, got %d err=%v", MaxLevel, len(up), err)
	}

	rootUp, err := s.Upline(ids[0], MaxLevel)
	if err != nil || len(rootUp) != 0 {
		t.Fatalf("root should have no upline, got %d err=%v", len(rootUp), err)
	}

	if _, err := s.Upline("ghost", MaxLevel); !pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
}

func TestActiveDirectsCountsOnlyActive(t *testing.T) {
	s := NewStore()
	if _, err := s.Register("root", "", testNow); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("d%d", i)
		if _, err := s.Register(id, "root", testNow); err != nil {
			t.Fatal(err)
		}
	}

	lk, err := s.Lock("d0", "d1")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"d0", "d1"} {
		a, _ := lk.Get(id)
		a.Active = true
		a.MonthlyVolume = decimal.NewFromInt(1500)
		if err := lk.Put(a); err != nil {
			t.Fatal(err)
		}
	}
	lk.Unlock()

	count, volume, err := s.ActiveDirects("root")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 || !volume.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected 2 directs with 3000 volume, got %d %s", count, volume)
	}

	directs, err := s.DirectReferrals("root")
	if err != nil || len(directs) != 3 {
		t.Fatalf("expected 3 direct referrals, got %d err=%v", len(directs), err)
	}
	if got := s.ActiveIDs(); len(got) != 2 {
		t.Fatalf("expected 2 active ids, got %v", got)
	}
}

func TestLockRejectsUnknownAndPutOutsideLock(t *testing.T) {
	s := NewStore()
	buildChain(t, s, 2)

	if _, err := s.Lock("acct-00", "ghost"); !pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}

	lk, err := s.Lock("acct-01", "acct-00", "acct-01")
	if err != nil {
		t.Fatal(err)
	}
	defer lk.Unlock()
	if got := lk.Accounts(); len(got) != 2 || got[0].ID != "acct-00" {
		t.Fatalf("expected sorted unique accounts, got %+v", got)
	}
	if err := lk.Put(Account{ID: "other"}); err == nil {
		t.Fatal("expected error writing an account not held by the lock")
	}
}

func TestLockSerializesConcurrentWriters(t *testing.T) {
	s := NewStore()
	buildChain(t, s, 2)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := []string{"acct-00", "acct-01"}
			if i%2 == 0 {
				ids = []string{"acct-01", "acct-00"}
			}
			lk, err := s.Lock(ids...)
			if err != nil {
				t.Error(err)
				return
			}
			defer lk.Unlock()
			for _, id := range ids {
				a, _ := lk.Get(id)
				a.InternalBalance = a.InternalBalance.Add(decimal.NewFromInt(1))
				_ = lk.Put(a)
			}
		}(i)
	}
	wg.Wait()

	for _, id := range []string{"acct-00", "acct-01"} {
		a, _ := s.Get(id)
		if !a.InternalBalance.Equal(decimal.NewFromInt(50)) {
			t.Fatalf("%s expected 50, got %s", id, a.InternalBalance)
		}
	}
}

func TestLoadResolvesSponsorsOutOfOrder(t *testing.T) {
	s := NewStore()
	err := s.Load([]Account{
		{ID: "c", SponsorID: "b"},
		{ID: "b", SponsorID: "a"},
		{ID: "a"},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	up, err := s.Upline("c", MaxLevel)
	if err != nil || len(up) != 2 || up[1].ID != "a" {
		t.Fatalf("unexpected upline %+v err=%v", up, err)
	}

	cyclic := NewStore()
	if err := cyclic.Load([]Account{{ID: "x", SponsorID: "y"}, {ID: "y", SponsorID: "x"}}); err == nil {
		t.Fatal("expected error for cyclic sponsors")
	}
	if err := NewStore().Load([]Account{{ID: "neg", InternalBalance: decimal.NewFromInt(-1)}}); !pkgerrors.HasCode(err, pkgerrors.CodeInconsistentLiabilities) {
		t.Fatalf("expected invariant violation on load, got %v", err)
	}
}

func TestAccountValidate(t *testing.T) {
	tests := []struct {
		name string
		acct Account
		code pkgerrors.Code
	}{
		{name: "valid", acct: Account{ID: "a", UnlockedLevel: 5}},
		{name: "missing id", acct: Account{}, code: pkgerrors.CodeValidation},
		{name: "negative balance", acct: Account{ID: "a", InternalBalance: decimal.NewFromInt(-1)}, code: pkgerrors.CodeInconsistentLiabilities},
		{name: "level too high", acct: Account{ID: "a", UnlockedLevel: 11}, code: pkgerrors.CodeValidation},
		{name: "negative volume", acct: Account{ID: "a", MonthlyVolume: decimal.NewFromInt(-5)}, code: pkgerrors.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.acct.Validate()
			if tt.code == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !pkgerrors.HasCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestUnregisterDropsUncommittedAccount(t *testing.T) {
	s := NewStore()
	if _, err := s.Register("root", "", testNow); err != nil {
		t.Fatalf("register root: %v", err)
	}
	held, _, err := s.Reserve("parent", "root", testNow)
	if err != nil {
		t.Fatalf("reserve parent: %v", err)
	}

	if err := s.Unregister("parent"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	held.Unlock()

	if s.Exists("parent") {
		t.Fatal("parent still present after unregister")
	}
	refs, err := s.DirectReferrals("root")
	if err != nil || len(refs) != 0 {
		t.Fatalf("root referrals = %v, %v; want none", refs, err)
	}
	if _, err := s.Lock("parent"); !pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}

	// The id is free again and the sponsor link resolves on reload.
	if _, err := s.Register("parent", "root", testNow); err != nil {
		t.Fatalf("re-register parent: %v", err)
	}
	if _, err := s.Register("child", "parent", testNow); err != nil {
		t.Fatalf("register child: %v", err)
	}
	reloaded := NewStore()
	if err := reloaded.Load(s.List()); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestUnregisterRefusesCommittedShape(t *testing.T) {
	s := NewStore()
	buildChain(t, s, 3)

	if err := s.Unregister("acct-01"); !pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict for account with referrals, got %v", err)
	}
	if err := s.Unregister("ghost"); !pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
	if err := s.Unregister("acct-02"); err != nil {
		t.Fatalf("unregister newest: %v", err)
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
}

func TestLockFailsOnAccountRemovedWhileWaiting(t *testing.T) {
	s := NewStore()
	if _, err := s.Register("root", "", testNow); err != nil {
		t.Fatalf("register root: %v", err)
	}
	held, _, err := s.Reserve("late", "root", testNow)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		lk, err := s.Lock("late")
		if err == nil {
			lk.Unlock()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Unregister("late"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	held.Unlock()

	if err := <-done; !pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount) {
		t.Fatalf("expected unknown account for waiter, got %v", err)
	}
}
