package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/angelmondragon/unilevel-ledger/pkg/validators"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var batchNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:unilevel-ledger:settlement-batch"))

// BatchID derives the batch id of a settlement round. The same round always
// maps to the same id, which is what makes replays detectable.
func BatchID(roundID string) uuid.UUID {
	return uuid.NewSHA1(batchNamespace, []byte(strings.TrimSpace(roundID)))
}

type batchComputer interface {
	ComputeBatch(ctx context.Context, entries []commission.Entry) (commission.BatchResult, error)
}

type batchApplier interface {
	ApplyBatch(ctx context.Context, batch ledger.Batch) (ledger.ApplyResult, error)
	IsApplied(id uuid.UUID) bool
}

// RoundLock guards one round while it is being applied. It must expire on
// its own so a crashed worker cannot block the replay. *cron.RedisLock
// satisfies it.
type RoundLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RoundLocker returns the lock for a round id.
type RoundLocker func(roundID string) (RoundLock, error)

type TriggerInput struct {
	RoundID string             `json:"round_id" validate:"required"`
	Entries []commission.Entry `json:"entries" validate:"dive"`
}

type TriggerResult struct {
	BatchID     uuid.UUID          `json:"batch_id"`
	RoundID     string             `json:"round_id"`
	Apply       ledger.ApplyResult `json:"apply"`
	Lines       int                `json:"lines"`
	Distributed decimal.Decimal    `json:"distributed"`
	Pending     decimal.Decimal    `json:"pending"`
	Unallocated decimal.Decimal    `json:"unallocated"`
	Remainder   decimal.Decimal    `json:"remainder"`
	Duplicate   bool               `json:"duplicate"`
}

type ServiceParams struct {
	Logger     *logger.Logger
	Calculator batchComputer
	Ledger     batchApplier
	Locks      RoundLocker
	Now        func() time.Time
}

// Service turns a settlement round into an applied ledger batch.
type Service struct {
	logg   *logger.Logger
	calc   batchComputer
	ledger batchApplier
	locks  RoundLocker
	now    func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Calculator == nil {
		return nil, errors.New("commission calculator is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		logg:   params.Logger,
		calc:   params.Calculator,
		ledger: params.Ledger,
		locks:  params.Locks,
		now:    now,
	}, nil
}

// Trigger computes the commission lines of a round and applies them as one
// batch. Triggering an applied round again reports a duplicate and changes
// nothing.
func (s *Service) Trigger(ctx context.Context, input TriggerInput) (TriggerResult, error) {
	input.RoundID = strings.TrimSpace(input.RoundID)
	if err := validators.Struct(input); err != nil {
		return TriggerResult{}, err
	}
	id := BatchID(input.RoundID)
	ctx = s.logg.WithBatchID(s.logg.WithField(ctx, "round_id", input.RoundID), id.String())

	if s.ledger.IsApplied(id) {
		s.logg.Info(ctx, "settlement round already applied")
		return TriggerResult{BatchID: id, RoundID: input.RoundID, Duplicate: true}, nil
	}

	if s.locks != nil {
		lock, err := s.locks(input.RoundID)
		if err != nil {
			return TriggerResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settlement round lock unavailable")
		}
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return TriggerResult{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settlement round lock failed")
		}
		if !acquired {
			if s.ledger.IsApplied(id) {
				return TriggerResult{BatchID: id, RoundID: input.RoundID, Duplicate: true}, nil
			}
			return TriggerResult{}, pkgerrors.New(pkgerrors.CodeConflict, "settlement round is already being processed").
				WithDetails(map[string]any{"round_id": input.RoundID})
		}
		defer s.release(ctx, lock)

		// The previous holder may have finished between the first check and
		// the lock.
		if s.ledger.IsApplied(id) {
			s.logg.Info(ctx, "settlement round already applied")
			return TriggerResult{BatchID: id, RoundID: input.RoundID, Duplicate: true}, nil
		}
	}

	return s.apply(ctx, id, input)
}

func (s *Service) apply(ctx context.Context, id uuid.UUID, input TriggerInput) (TriggerResult, error) {
	computed, err := s.calc.ComputeBatch(ctx, input.Entries)
	if err != nil {
		return TriggerResult{}, err
	}

	batch := ledger.Batch{
		ID:          id,
		RoundID:     input.RoundID,
		Lines:       computed.Lines,
		Unallocated: computed.Unallocated,
		Remainder:   computed.Remainder,
		CreatedAt:   s.now().UTC(),
	}
	applied, err := s.ledger.ApplyBatch(ctx, batch)
	if err != nil {
		s.logg.Error(ctx, "failed to apply settlement batch", err)
		return TriggerResult{}, err
	}

	return TriggerResult{
		BatchID:     id,
		RoundID:     input.RoundID,
		Apply:       applied,
		Lines:       len(computed.Lines),
		Distributed: computed.Distributed,
		Pending:     computed.Pending,
		Unallocated: computed.Unallocated,
		Remainder:   computed.Remainder,
		Duplicate:   applied.Duplicate,
	}, nil
}

func (s *Service) release(ctx context.Context, lock RoundLock) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		s.logg.Error(ctx, "failed to release settlement round lock", err)
	}
}
