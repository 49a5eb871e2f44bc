// Package persistence writes ledger commits to Postgres and rebuilds the
// in-memory ledger from it on startup.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/unilevel-ledger/internal/accounts"
	"github.com/angelmondragon/unilevel-ledger/internal/audit"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/internal/settlement"
	"gorm.io/gorm"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type Repositories struct {
	Accounts    accounts.Repository
	Audit       audit.Repository
	State       StateRepository
	Settlements settlement.Repository
}

// NewRepositories binds every repository to one connection.
func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Accounts:    accounts.NewRepository(db),
		Audit:       audit.NewRepository(db),
		State:       NewStateRepository(db),
		Settlements: settlement.NewRepository(db),
	}
}

// Persister implements ledger.Persister. Each commit lands in one database
// transaction: changed accounts, audit events, aggregate state and the batch
// marker, if any.
type Persister struct {
	tx    txRunner
	repos Repositories
}

func NewPersister(tx txRunner, repos Repositories) (*Persister, error) {
	if tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if repos.Accounts == nil || repos.Audit == nil || repos.State == nil || repos.Settlements == nil {
		return nil, errors.New("all repositories are required")
	}
	return &Persister{tx: tx, repos: repos}, nil
}

func (p *Persister) Commit(ctx context.Context, rec ledger.CommitRecord) error {
	return p.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := p.repos.Accounts.WithTx(tx).Upsert(ctx, rec.Accounts); err != nil {
			return fmt.Errorf("upsert accounts: %w", err)
		}
		if len(rec.Events) > 0 {
			if err := p.repos.Audit.WithTx(tx).Append(ctx, rec.Events...); err != nil {
				return fmt.Errorf("append audit events: %w", err)
			}
		}
		if err := p.repos.State.WithTx(tx).Save(ctx, rec.State); err != nil {
			return fmt.Errorf("save ledger state: %w", err)
		}
		if rec.Batch != nil {
			if err := p.repos.Settlements.WithTx(tx).SaveMarker(ctx, *rec.Batch); err != nil {
				return fmt.Errorf("save batch marker: %w", err)
			}
		}
		return nil
	})
}

// HydrateResult summarises what Hydrate loaded.
type HydrateResult struct {
	Accounts  int
	Batches   int
	FreshBoot bool
}

// Hydrate loads persisted accounts into store and seeds l with the stored
// aggregate state and applied batch ids. It must run before the ledger
// serves any call.
func Hydrate(ctx context.Context, repos Repositories, store *accounts.Store, l *ledger.Ledger) (HydrateResult, error) {
	accts, err := repos.Accounts.List(ctx)
	if err != nil {
		return HydrateResult{}, fmt.Errorf("list accounts: %w", err)
	}
	if err := store.Load(accts); err != nil {
		return HydrateResult{}, fmt.Errorf("load accounts: %w", err)
	}

	state, found, err := repos.State.Load(ctx)
	if err != nil {
		return HydrateResult{}, fmt.Errorf("load ledger state: %w", err)
	}
	if !found {
		state = ledger.State{MinSolvencyBps: l.Snapshot().MinSolvencyBps}
	}

	refs, err := repos.Settlements.ListApplied(ctx)
	if err != nil {
		return HydrateResult{}, fmt.Errorf("list applied batches: %w", err)
	}
	if err := l.Restore(state, refs); err != nil {
		return HydrateResult{}, err
	}
	return HydrateResult{Accounts: len(accts), Batches: len(refs), FreshBoot: !found}, nil
}
