package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	"github.com/angelmondragon/unilevel-ledger/pkg/config"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultTimeout          = 15 * time.Second
	defaultMaxAttempts      = 10
	defaultAttemptsPerCycle = 3
	defaultBaseBackoff      = time.Second
	defaultMaxBackoff       = 10 * time.Second
	defaultBatchLimit       = 50
)

// Outcomes reported to metrics and in the dispatch summary.
const (
	OutcomeCommitted    = "committed"
	OutcomeDeferred     = "deferred"
	OutcomeReversed     = "reversed"
	OutcomeManualReview = "manual_review"
)

type DispatchConfig struct {
	Timeout          time.Duration
	MaxAttempts      int
	AttemptsPerCycle int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	BatchLimit       int
}

// DispatchConfigFrom maps the env settings onto the dispatcher.
func DispatchConfigFrom(cfg config.SettlementConfig) DispatchConfig {
	return DispatchConfig{
		Timeout:          cfg.Timeout,
		MaxAttempts:      cfg.MaxAttempts,
		AttemptsPerCycle: cfg.AttemptsPerCycle,
		BaseBackoff:      cfg.BaseBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		BatchLimit:       cfg.BatchLimit,
	}
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.AttemptsPerCycle <= 0 {
		c.AttemptsPerCycle = defaultAttemptsPerCycle
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaultBatchLimit
	}
	return c
}

type batchStore interface {
	ListDispatchable(ctx context.Context, limit int) ([]Record, error)
	MarkAttempt(ctx context.Context, id uuid.UUID, attemptErr error) error
	MarkCommitted(ctx context.Context, id uuid.UUID, reference string, at time.Time) error
	MarkManualReview(ctx context.Context, id uuid.UUID, reason string) error
}

type batchReverser interface {
	ReverseBatch(ctx context.Context, batch ledger.Batch, reason string) (ledger.ReversalResult, error)
	ReportReserveAssets(ctx context.Context, amount decimal.Decimal) (ledger.Snapshot, error)
}

// Metrics observes dispatch outcomes. A nil Metrics is allowed.
type Metrics interface {
	ObserveCommit(outcome string)
}

type DispatcherParams struct {
	Logger     *logger.Logger
	Repository batchStore
	Ledger     batchReverser
	Sink       Sink
	Metrics    Metrics
	Config     DispatchConfig
	Now        func() time.Time
}

// Dispatcher pushes uncommitted batches through the settlement sink.
type Dispatcher struct {
	logg    *logger.Logger
	repo    batchStore
	ledger  batchReverser
	sink    Sink
	metrics Metrics
	cfg     DispatchConfig
	now     func() time.Time
}

type DispatchSummary struct {
	Checked      int `json:"checked"`
	Committed    int `json:"committed"`
	Deferred     int `json:"deferred"`
	Reversed     int `json:"reversed"`
	ManualReview int `json:"manual_review"`
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Repository == nil {
		return nil, errors.New("settlement repository is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if params.Sink == nil {
		return nil, errors.New("settlement sink is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		logg:    params.Logger,
		repo:    params.Repository,
		ledger:  params.Ledger,
		sink:    params.Sink,
		metrics: params.Metrics,
		cfg:     params.Config.withDefaults(),
		now:     now,
	}, nil
}

// RunOnce dispatches every uncommitted batch once, oldest first. A batch is
// committed whole or not at all. Batches interrupted by cancellation stay
// uncommitted for the next cycle.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchSummary, error) {
	var summary DispatchSummary
	records, err := d.repo.ListDispatchable(ctx, d.cfg.BatchLimit)
	if err != nil {
		return summary, fmt.Errorf("list dispatchable batches: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++
		outcome, err := d.dispatch(ctx, rec)
		d.observe(outcome)
		switch outcome {
		case OutcomeCommitted:
			summary.Committed++
		case OutcomeReversed:
			summary.Reversed++
		case OutcomeManualReview:
			summary.ManualReview++
		default:
			summary.Deferred++
		}
		if err != nil {
			return summary, err
		}
	}

	if summary.Checked > 0 {
		d.logg.Info(d.logg.WithFields(ctx, map[string]any{
			"checked":       summary.Checked,
			"committed":     summary.Committed,
			"deferred":      summary.Deferred,
			"reversed":      summary.Reversed,
			"manual_review": summary.ManualReview,
		}), "settlement dispatch cycle complete")
	}
	return summary, nil
}

// dispatch returns an error only for conditions that should stop the cycle.
func (d *Dispatcher) dispatch(ctx context.Context, rec Record) (string, error) {
	ctx = d.logg.WithBatchID(d.logg.WithField(ctx, "round_id", rec.Batch.RoundID), rec.Batch.ID.String())

	remaining := d.cfg.MaxAttempts - rec.AttemptCount
	if remaining <= 0 {
		return d.fail(ctx, rec, fmt.Sprintf("gave up after %d attempts", rec.AttemptCount))
	}
	attempts := d.cfg.AttemptsPerCycle
	if attempts > remaining {
		attempts = remaining
	}

	made := 0
	ack, err := retry.DoWithData(
		func() (Ack, error) {
			made++
			attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			ack, err := d.sink.CommitBatch(attemptCtx, rec.Batch)
			err = classify(err)
			if err != nil && ctx.Err() == nil {
				if markErr := d.repo.MarkAttempt(ctx, rec.Batch.ID, err); markErr != nil {
					d.logg.Error(ctx, "failed to record settlement attempt", markErr)
				}
			}
			return ack, err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(d.cfg.BaseBackoff),
		retry.MaxDelay(d.cfg.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return pkgerrors.HasCode(err, pkgerrors.CodeSettlementTimeout)
		}),
		retry.OnRetry(func(n uint, err error) {
			d.logg.Warn(d.logg.WithFields(ctx, map[string]any{
				"attempt": rec.AttemptCount + int(n) + 1,
				"error":   err.Error(),
			}), "settlement commit failed, retrying")
		}),
	)

	switch {
	case err == nil:
		return d.commit(ctx, rec, ack)
	case ctx.Err() != nil:
		d.logg.Warn(ctx, "settlement dispatch interrupted, batch stays uncommitted")
		return OutcomeDeferred, ctx.Err()
	case pkgerrors.HasCode(err, pkgerrors.CodeSettlementRejected):
		return d.fail(ctx, rec, err.Error())
	case rec.AttemptCount+made >= d.cfg.MaxAttempts:
		return d.fail(ctx, rec, fmt.Sprintf("gave up after %d attempts: %s", rec.AttemptCount+made, err))
	default:
		d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "settlement commit deferred to next cycle")
		return OutcomeDeferred, nil
	}
}

func (d *Dispatcher) commit(ctx context.Context, rec Record, ack Ack) (string, error) {
	at := ack.At
	if at.IsZero() {
		at = d.now().UTC()
	}
	if err := d.repo.MarkCommitted(ctx, rec.Batch.ID, ack.Reference, at); err != nil {
		// Consumers dedupe on batch_id, so a second publish is harmless.
		d.logg.Error(ctx, "failed to mark settlement batch committed", err)
		return OutcomeDeferred, nil
	}
	if ack.ReserveAssets != nil {
		if _, err := d.ledger.ReportReserveAssets(ctx, *ack.ReserveAssets); err != nil {
			d.logg.Error(ctx, "failed to record reserve assets from settlement ack", err)
		}
	}
	d.logg.Info(d.logg.WithField(ctx, "reference", ack.Reference), "settlement batch committed")
	return OutcomeCommitted, nil
}

// fail reverses the batch in the ledger. If the reversal itself fails the
// batch is parked for manual review.
func (d *Dispatcher) fail(ctx context.Context, rec Record, reason string) (string, error) {
	res, err := d.ledger.ReverseBatch(ctx, rec.Batch, reason)
	if err == nil {
		d.logg.Warn(d.logg.WithFields(ctx, map[string]any{
			"reason":    reason,
			"reversed":  res.Reversed.String(),
			"shortfall": res.Shortfall.String(),
		}), "settlement batch reversed")
		return OutcomeReversed, nil
	}

	d.logg.Error(d.logg.WithField(ctx, "reason", reason), "settlement batch reversal failed", err)
	note := fmt.Sprintf("%s; reversal failed: %s", reason, err)
	if markErr := d.repo.MarkManualReview(ctx, rec.Batch.ID, note); markErr != nil {
		return OutcomeManualReview, fmt.Errorf("mark manual review %s: %w", rec.Batch.ID, markErr)
	}
	return OutcomeManualReview, nil
}

func (d *Dispatcher) observe(outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveCommit(outcome)
}
