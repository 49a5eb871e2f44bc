package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/audit"
	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/ratelimit"
	"github.com/angelmondragon/unilevel-ledger/pkg/db"
	"github.com/angelmondragon/unilevel-ledger/pkg/db/models"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:persistence?mode=memory&cache=shared"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.Migrator().DropTable(models.All()...))
	require.NoError(t, conn.AutoMigrate(models.All()...))
	return conn
}

func newLedger(t *testing.T, persist ledger.Persister) (*accounts.Store, *ledger.Ledger) {
	t.Helper()
	now := func() time.Time { return testNow }
	store := accounts.NewStore()
	limiter, err := ratelimit.New(ratelimit.DefaultLimits(), store, now)
	require.NoError(t, err)
	l, err := ledger.New(ledger.DefaultConfig(), store, limiter, ledger.Options{Persister: persist, Now: now})
	require.NoError(t, err)
	return store, l
}

func TestPersisterRoundTripsThroughHydrate(t *testing.T) {
	conn := newTestDB(t)
	repos := NewRepositories(conn)
	persist, err := NewPersister(db.NewFromGorm(conn), repos)
	require.NoError(t, err)
	_, l := newLedger(t, persist)
	ctx := context.Background()

	for _, acct := range [][2]string{{"alice", ""}, {"bob", "alice"}} {
		_, err := l.Register(ctx, acct[0], acct[1])
		require.NoError(t, err)
		_, err = l.SetActive(ctx, acct[0], true)
		require.NoError(t, err)
	}
	_, err = l.ReportReserveAssets(ctx, d("5000"))
	require.NoError(t, err)
	_, err = l.SetMinSolvencyBps(ctx, 12000)
	require.NoError(t, err)

	batch := ledger.Batch{
		ID:      uuid.New(),
		RoundID: "round-1",
		Lines: []commission.Line{
			{PayerID: "bob", RecipientID: "alice", Level: 1, Percentage: d("8"), Amount: d("40")},
		},
		CreatedAt: testNow,
	}
	_, err = l.ApplyBatch(ctx, batch)
	require.NoError(t, err)
	require.NoError(t, l.Credit(ctx, "bob", d("10"), "bonus"))

	rec, err := repos.Settlements.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SettlementStatusUncommitted, rec.Status)

	events, err := repos.Audit.List(ctx, audit.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, events)

	store, restored := newLedger(t, ledger.NopPersister{})
	res, err := Hydrate(ctx, repos, store, restored)
	require.NoError(t, err)
	require.Equal(t, 2, res.Accounts)
	require.Equal(t, 1, res.Batches)
	require.False(t, res.FreshBoot)

	want, got := l.Snapshot(), restored.Snapshot()
	require.True(t, got.TotalLiabilities.Equal(d("50")))
	require.True(t, got.TotalLiabilities.Equal(want.TotalLiabilities))
	require.True(t, got.ReportedAssets.Equal(d("5000")))
	require.Equal(t, int64(12000), got.MinSolvencyBps)
	require.Equal(t, enums.BreakerStateNormal, got.Breaker)
	require.True(t, restored.IsApplied(batch.ID))

	alice, err := restored.Account("alice")
	require.NoError(t, err)
	require.True(t, alice.InternalBalance.Equal(d("40")))
	bob, err := restored.Account("bob")
	require.NoError(t, err)
	require.Equal(t, "alice", bob.SponsorID)

	// Replaying the batch against the restored ledger is a no-op.
	again, err := restored.ApplyBatch(ctx, batch)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
}

func TestPersisterRecordsReversal(t *testing.T) {
	conn := newTestDB(t)
	repos := NewRepositories(conn)
	persist, err := NewPersister(db.NewFromGorm(conn), repos)
	require.NoError(t, err)
	_, l := newLedger(t, persist)
	ctx := context.Background()

	_, err = l.Register(ctx, "alice", "")
	require.NoError(t, err)
	_, err = l.SetActive(ctx, "alice", true)
	require.NoError(t, err)
	_, err = l.ReportReserveAssets(ctx, d("1000"))
	require.NoError(t, err)

	batch := ledger.Batch{
		ID:      uuid.New(),
		RoundID: "round-9",
		Lines:   []commission.Line{{PayerID: "x", RecipientID: "alice", Level: 1, Amount: d("12")}},
	}
	_, err = l.ApplyBatch(ctx, batch)
	require.NoError(t, err)
	_, err = l.ReverseBatch(ctx, batch, "settlement commit rejected")
	require.NoError(t, err)

	rec, err := repos.Settlements.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SettlementStatusReversed, rec.Status)
	require.NotNil(t, rec.ReversedAt)

	refs, err := repos.Settlements.ListApplied(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.True(t, refs[0].Reversed)

	stored, err := repos.Accounts.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, stored.InternalBalance.IsZero())
}

type failingTx struct{}

func (failingTx) WithTx(context.Context, func(tx *gorm.DB) error) error {
	return errors.New("connection reset")
}

func TestPersisterFailureRollsBackMemory(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	persist, err := NewPersister(failingTx{}, repos)
	require.NoError(t, err)
	_, l := newLedger(t, persist)
	ctx := context.Background()

	_, err = l.ReportReserveAssets(ctx, d("100"))
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	require.True(t, l.Snapshot().ReportedAssets.IsZero())
}

// flakyPersister fails the next n commits, then delegates.
type flakyPersister struct {
	next ledger.Persister
	n    int
}

func (p *flakyPersister) Commit(ctx context.Context, rec ledger.CommitRecord) error {
	if p.n > 0 {
		p.n--
		return errors.New("connection reset")
	}
	return p.next.Commit(ctx, rec)
}

func TestFailedRegistrationRetriesAndHydrates(t *testing.T) {
	conn := newTestDB(t)
	repos := NewRepositories(conn)
	persist, err := NewPersister(db.NewFromGorm(conn), repos)
	require.NoError(t, err)
	flaky := &flakyPersister{next: persist}
	store, l := newLedger(t, flaky)
	ctx := context.Background()

	_, err = l.Register(ctx, "root", "")
	require.NoError(t, err)

	flaky.n = 1
	_, err = l.Register(ctx, "parent", "root")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
	require.False(t, store.Exists("parent"))
	_, err = l.Register(ctx, "child", "parent")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeUnknownAccount))

	// Redelivery of the same registration goes through.
	_, err = l.Register(ctx, "parent", "root")
	require.NoError(t, err)
	_, err = l.Register(ctx, "child", "parent")
	require.NoError(t, err)

	rows, err := repos.Accounts.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	restoredStore, restored := newLedger(t, ledger.NopPersister{})
	res, err := Hydrate(ctx, repos, restoredStore, restored)
	require.NoError(t, err)
	require.Equal(t, 3, res.Accounts)
	child, err := restored.Account("child")
	require.NoError(t, err)
	require.Equal(t, "parent", child.SponsorID)
}

func TestHydrateFreshDatabase(t *testing.T) {
	repos := NewRepositories(newTestDB(t))
	store, l := newLedger(t, ledger.NopPersister{})

	res, err := Hydrate(context.Background(), repos, store, l)
	require.NoError(t, err)
	require.True(t, res.FreshBoot)
	require.Zero(t, res.Accounts)
	require.Equal(t, ledger.DefaultConfig().MinSolvencyBps, l.Snapshot().MinSolvencyBps)
	require.True(t, l.Snapshot().InfiniteRatio)
}

func TestStateRepositoryUpserts(t *testing.T) {
	repo := NewStateRepository(newTestDB(t))
	ctx := context.Background()

	_, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, repo.Save(ctx, ledger.State{ReportedAssets: d("10"), MinSolvencyBps: 11000, Breaker: enums.BreakerStateNormal, UpdatedAt: testNow}))
	state, found, err := repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, state.TreasuryUsed.IsZero())
	require.True(t, state.TreasuryWindowStart.IsZero())

	require.NoError(t, repo.Save(ctx, ledger.State{
		ReportedAssets:      d("7"),
		EmergencyReserve:    d("2"),
		MinSolvencyBps:      11000,
		Maintenance:         true,
		Breaker:             enums.BreakerStateTripped,
		TreasuryUsed:        d("1250.5"),
		TreasuryWindowStart: testNow.Add(-time.Hour),
		UpdatedAt:           testNow,
	}))

	state, found, err = repo.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, state.ReportedAssets.Equal(d("7")))
	require.True(t, state.EmergencyReserve.Equal(d("2")))
	require.True(t, state.Maintenance)
	require.Equal(t, enums.BreakerStateTripped, state.Breaker)
	require.True(t, state.TreasuryUsed.Equal(d("1250.5")))
	require.True(t, state.TreasuryWindowStart.Equal(testNow.Add(-time.Hour)))
}

func TestTreasuryCapSurvivesHydrate(t *testing.T) {
	conn := newTestDB(t)
	repos := NewRepositories(conn)
	persist, err := NewPersister(db.NewFromGorm(conn), repos)
	require.NoError(t, err)
	_, l := newLedger(t, persist)
	ctx := context.Background()

	_, err = l.ReportReserveAssets(ctx, d("100000"))
	require.NoError(t, err)
	_, err = l.TreasuryPayout(ctx, d("40000"), "ops")
	require.NoError(t, err)

	store, restored := newLedger(t, ledger.NopPersister{})
	_, err = Hydrate(ctx, repos, store, restored)
	require.NoError(t, err)

	_, err = restored.TreasuryPayout(ctx, d("20000"), "ops")
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeAboveDailyTreasuryCap), "got %v", err)
	_, err = restored.TreasuryPayout(ctx, d("10000"), "ops")
	require.NoError(t, err)
}
