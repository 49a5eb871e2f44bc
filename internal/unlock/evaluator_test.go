package unlock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeWriter struct {
	store   *accounts.Store
	failFor string
	calls   int
}

func (f *fakeWriter) ApplyEligibility(_ context.Context, id string, level, directs int) (bool, error) {
	f.calls++
	if id == f.failFor {
		return false, errors.New("write failed")
	}
	lk, err := f.store.Lock(id)
	if err != nil {
		return false, err
	}
	defer lk.Unlock()
	a, _ := lk.Get(id)
	changed := a.UnlockedLevel != level
	a.UnlockedLevel = level
	a.DirectActiveCount = directs
	return changed, lk.Put(a)
}

func set(t *testing.T, store *accounts.Store, id string, active bool, level int, volume string) {
	t.Helper()
	lk, err := store.Lock(id)
	if err != nil {
		t.Fatal(err)
	}
	defer lk.Unlock()
	a, _ := lk.Get(id)
	a.Active = active
	a.UnlockedLevel = level
	a.MonthlyVolume = decimal.RequireFromString(volume)
	if err := lk.Put(a); err != nil {
		t.Fatal(err)
	}
}

// network creates "root" with n active directs each carrying perVolume.
func network(t *testing.T, n int, perVolume string) *accounts.Store {
	t.Helper()
	store := accounts.NewStore()
	if _, err := store.Register("root", "", testNow); err != nil {
		t.Fatal(err)
	}
	set(t, store, "root", true, accounts.BaseLevel, "0")
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%d", i)
		if _, err := store.Register(id, "root", testNow); err != nil {
			t.Fatal(err)
		}
		set(t, store, id, true, accounts.BaseLevel, perVolume)
	}
	return store
}

func newEvaluator(t *testing.T, store *accounts.Store) (*Evaluator, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{store: store}
	e, err := New(DefaultConfig(), store, w, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e, w
}

func TestEvaluateThresholds(t *testing.T) {
	tests := []struct {
		name      string
		directs   int
		perVolume string
		wantLevel int
		qualifies bool
	}{
		{name: "four directs with 6000", directs: 4, perVolume: "1500", wantLevel: 5},
		{name: "five directs with 4999", directs: 5, perVolume: "999.8", wantLevel: 5},
		{name: "five directs with 5000", directs: 5, perVolume: "1000", wantLevel: 10, qualifies: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := network(t, tt.directs, tt.perVolume)
			e, _ := newEvaluator(t, store)
			res, err := e.Evaluate(context.Background(), "root")
			if err != nil {
				t.Fatal(err)
			}
			if res.UnlockedLevel != tt.wantLevel || res.Qualifies != tt.qualifies {
				t.Fatalf("expected level %d qualifies %v, got %+v", tt.wantLevel, tt.qualifies, res)
			}
			if res.Requirements.Directs.Current != tt.directs {
				t.Fatalf("expected %d directs, got %d", tt.directs, res.Requirements.Directs.Current)
			}
		})
	}
}

func TestEvaluateIgnoresInactiveDirects(t *testing.T) {
	store := network(t, 5, "1000")
	set(t, store, "d4", false, accounts.BaseLevel, "1000")
	e, _ := newEvaluator(t, store)

	res, err := e.Evaluate(context.Background(), "root")
	if err != nil {
		t.Fatal(err)
	}
	if res.Qualifies || res.Requirements.Directs.Met || !res.Requirements.Volume.Current.Equal(decimal.NewFromInt(4000)) {
		t.Fatalf("inactive direct must not count: %+v", res)
	}
}

func TestEvaluateInactiveAccountKeepsLevel(t *testing.T) {
	store := network(t, 5, "1000")
	set(t, store, "root", false, 7, "0")
	e, _ := newEvaluator(t, store)

	res, err := e.Evaluate(context.Background(), "root")
	if err != nil {
		t.Fatal(err)
	}
	if res.UnlockedLevel != 7 || res.NeedsUpdate {
		t.Fatalf("inactive account level should be frozen, got %+v", res)
	}
	if _, err := e.Evaluate(context.Background(), "ghost"); !pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
}

func TestBatchEvaluatePromotesAndDemotes(t *testing.T) {
	store := network(t, 5, "1000")
	e, w := newEvaluator(t, store)

	summary, err := e.BatchEvaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Checked != 6 || summary.Updated != 1 {
		t.Fatalf("expected 6 checked and 1 updated, got %+v", summary)
	}
	if summary.Changes[0] != (Change{AccountID: "root", From: 5, To: 10}) {
		t.Fatalf("unexpected change %+v", summary.Changes[0])
	}
	root, _ := store.Get("root")
	if root.UnlockedLevel != 10 || root.DirectActiveCount != 5 {
		t.Fatalf("root not promoted: %+v", root)
	}

	// A direct leaving does not demote until the next pass.
	set(t, store, "d0", false, accounts.BaseLevel, "1000")
	root, _ = store.Get("root")
	if root.UnlockedLevel != 10 {
		t.Fatalf("demotion must wait for the next pass")
	}

	w.calls = 0
	summary, err = e.BatchEvaluate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	root, _ = store.Get("root")
	if root.UnlockedLevel != 5 || summary.Updated != 1 {
		t.Fatalf("expected demotion to 5, got level %d summary %+v", root.UnlockedLevel, summary)
	}
	if w.calls != 5 {
		t.Fatalf("inactive accounts must not be scanned, got %d calls", w.calls)
	}
}

func TestBatchEvaluateCollectsFailures(t *testing.T) {
	store := network(t, 2, "10")
	e, w := newEvaluator(t, store)
	w.failFor = "d1"

	summary, err := e.BatchEvaluate(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if summary.Failed != 1 || summary.Checked != 3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestSimulate(t *testing.T) {
	store := network(t, 3, "1000")
	e, _ := newEvaluator(t, store)

	res, err := e.Simulate(context.Background(), "root", 2, decimal.NewFromInt(2000))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Qualifies || res.UnlockedLevel != 10 {
		t.Fatalf("simulation should qualify, got %+v", res)
	}
	stored, _ := store.Get("root")
	if stored.UnlockedLevel != 5 {
		t.Fatalf("simulate must not mutate")
	}
	if _, err := e.Simulate(context.Background(), "root", -1, decimal.Zero); err == nil {
		t.Fatal("expected error for negative additions")
	}
}
