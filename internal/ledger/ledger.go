package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/audit"
	"github.com/angelmondragon/unilevel-ledger/internal/ratelimit"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MinSolvencyFloorBps is the lowest configurable solvency minimum (1.0x).
const MinSolvencyFloorBps int64 = 10000

type Config struct {
	MinSolvencyBps int64
	// ReserveShareBps of every subscription fee is earmarked for the
	// emergency reserve.
	ReserveShareBps    int64
	SubscriptionFee    decimal.Decimal
	SubscriptionPeriod time.Duration
	RequireKYC         bool
}

func DefaultConfig() Config {
	return Config{
		MinSolvencyBps:     11000,
		ReserveShareBps:    100,
		SubscriptionFee:    decimal.NewFromInt(19),
		SubscriptionPeriod: 30 * 24 * time.Hour,
	}
}

func (c Config) validate() error {
	switch {
	case c.MinSolvencyBps < MinSolvencyFloorBps:
		return pkgerrors.Newf(pkgerrors.CodeValidation, "minimum solvency must be at least %d bps", MinSolvencyFloorBps)
	case c.ReserveShareBps < 0 || c.ReserveShareBps > 10000:
		return pkgerrors.New(pkgerrors.CodeValidation, "reserve share must be between 0 and 10000 bps")
	case !c.SubscriptionFee.IsPositive():
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription fee must be positive")
	case c.SubscriptionPeriod <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription period must be positive")
	}
	return nil
}

// Persister durably records one committed mutation. A returned error rolls
// the mutation back in memory.
type Persister interface {
	Commit(ctx context.Context, rec CommitRecord) error
}

// CommitRecord carries everything a single ledger mutation changed.
type CommitRecord struct {
	Accounts []accounts.Account
	Events   []audit.Event
	State    State
	Batch    *BatchMarker
}

// BatchMarker records that a batch was applied or reversed in the same
// commit as the balances it touched.
type BatchMarker struct {
	Batch     Batch
	Status    enums.SettlementStatus
	Shortfall decimal.Decimal
	Note      string
	At        time.Time
}

// NopPersister keeps the ledger purely in memory.
type NopPersister struct{}

func (NopPersister) Commit(context.Context, CommitRecord) error { return nil }

// Metrics observes ledger outcomes. A nil Metrics is allowed.
type Metrics interface {
	ObserveSnapshot(Snapshot)
	ObserveWithdrawal(outcome string)
	ObserveBreakerTransition(to enums.BreakerState)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSnapshot(Snapshot)                    {}
func (nopMetrics) ObserveWithdrawal(string)                    {}
func (nopMetrics) ObserveBreakerTransition(enums.BreakerState) {}

type Options struct {
	Persister Persister
	Audit     audit.Sink
	Metrics   Metrics
	Logger    *logger.Logger
	Now       func() time.Time
}

// Ledger is the single writer for balances and the solvency aggregate.
//
// Lock order is regMu or batchMu, then account locks (sorted by id through the
// store), then aggMu. Readers use Snapshot and the store's copy-out getters.
type Ledger struct {
	cfg     Config
	store   *accounts.Store
	limiter *ratelimit.Limiter
	persist Persister
	audit   audit.Sink
	metrics Metrics
	logg    *logger.Logger
	now     func() time.Time

	regMu sync.Mutex

	batchMu sync.Mutex
	batches map[uuid.UUID]batchState

	aggMu sync.Mutex
	agg   aggregate
	snap  atomic.Pointer[Snapshot]
}

type batchState struct {
	reversed bool
}

func New(cfg Config, store *accounts.Store, limiter *ratelimit.Limiter, opts Options) (*Ledger, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("account store required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter required")
	}
	if opts.Persister == nil {
		opts.Persister = NopPersister{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewMemorySink()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := &Ledger{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		persist: opts.Persister,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logg:    opts.Logger,
		now:     opts.Now,
		batches: map[uuid.UUID]batchState{},
		agg: aggregate{
			totalLiabilities: decimal.Zero,
			reportedAssets:   decimal.Zero,
			emergencyReserve: decimal.Zero,
			minSolvencyBps:   cfg.MinSolvencyBps,
			breaker:          enums.BreakerStateNormal,
		},
	}
	l.publishLocked()
	return l, nil
}

// Snapshot returns the latest published aggregate view without locking.
func (l *Ledger) Snapshot() Snapshot {
	return *l.snap.Load()
}

// Account returns a copy of one account.
func (l *Ledger) Account(id string) (accounts.Account, error) {
	return l.store.Get(id)
}

// BatchRef is a persisted batch the ledger has already applied.
type BatchRef struct {
	ID       uuid.UUID
	Reversed bool
}

// Restore seeds the aggregate after the store was loaded from persistence.
// Liabilities are recomputed from the accounts, never trusted from storage.
func (l *Ledger) Restore(state State, batches []BatchRef) error {
	total := decimal.Zero
	for _, a := range l.store.List() {
		total = total.Add(a.Liability())
	}

	l.limiter.RestoreTreasury(state.TreasuryUsed, state.TreasuryWindowStart)

	l.batchMu.Lock()
	for _, b := range batches {
		l.batches[b.ID] = batchState{reversed: b.Reversed}
	}
	l.batchMu.Unlock()

	l.aggMu.Lock()
	defer l.aggMu.Unlock()
	l.agg.totalLiabilities = total
	l.agg.reportedAssets = state.ReportedAssets
	l.agg.emergencyReserve = state.EmergencyReserve
	if state.MinSolvencyBps >= MinSolvencyFloorBps {
		l.agg.minSolvencyBps = state.MinSolvencyBps
	}
	l.agg.maintenance = state.Maintenance
	l.agg.breaker = l.agg.evaluateBreaker()
	l.publishLocked()
	return nil
}

func (l *Ledger) publishLocked() {
	snap := l.agg.snapshot(l.now())
	l.snap.Store(&snap)
	l.metrics.ObserveSnapshot(snap)
}

func (l *Ledger) haltedError(s Snapshot) error {
	return pkgerrors.New(pkgerrors.CodeInconsistentLiabilities, "ledger halted").
		WithDetails(map[string]any{"reason": s.HaltReason})
}

// haltLocked stops all writes until an operator resumes the ledger.
func (l *Ledger) haltLocked(ctx context.Context, reason string, details map[string]any) error {
	l.agg.halted = true
	l.agg.haltReason = reason
	l.publishLocked()

	ev := audit.NewEvent(enums.AuditEventInvariantViolation, "", decimal.Zero, reason, l.now())
	ev.Data = details
	if err := l.audit.Append(ctx, ev); err != nil {
		l.logg.Error(ctx, "failed to record invariant violation", err)
	}

	err := pkgerrors.New(pkgerrors.CodeInconsistentLiabilities, reason).WithDetails(details)
	l.logg.Error(l.logg.WithFields(ctx, details), "ledger halted", err)
	return err
}
