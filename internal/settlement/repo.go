package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/angelmondragon/unilevel-ledger/internal/commission"
	"github.com/angelmondragon/unilevel-ledger/internal/ledger"
	dbpkg "github.com/angelmondragon/unilevel-ledger/pkg/db"
	"github.com/angelmondragon/unilevel-ledger/pkg/db/models"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Record is a persisted batch with its dispatch bookkeeping.
type Record struct {
	Batch        ledger.Batch
	Status       enums.SettlementStatus
	AttemptCount int
	LastError    string
	Reference    string
	Shortfall    decimal.Decimal
	AppliedAt    time.Time
	CommittedAt  *time.Time
	ReversedAt   *time.Time
}

// Repository persists settlement_batches rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	SaveMarker(ctx context.Context, marker ledger.BatchMarker) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	ListDispatchable(ctx context.Context, limit int) ([]Record, error)
	ListByStatus(ctx context.Context, status enums.SettlementStatus, limit int) ([]Record, error)
	ListApplied(ctx context.Context) ([]ledger.BatchRef, error)
	MarkAttempt(ctx context.Context, id uuid.UUID, attemptErr error) error
	MarkCommitted(ctx context.Context, id uuid.UUID, reference string, at time.Time) error
	MarkManualReview(ctx context.Context, id uuid.UUID, reason string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a settlement repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// SaveMarker inserts the row for a freshly applied batch or flags an applied
// one as reversed.
func (r *repository) SaveMarker(ctx context.Context, marker ledger.BatchMarker) error {
	switch marker.Status {
	case enums.SettlementStatusUncommitted:
		row, err := toModel(marker)
		if err != nil {
			return err
		}
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			if dbpkg.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "settlement round already recorded").
					WithDetails(map[string]any{"round_id": row.RoundID})
			}
			return err
		}
		return nil
	case enums.SettlementStatusReversed:
		at := marker.At
		updates := map[string]any{
			"status":      enums.SettlementStatusReversed,
			"shortfall":   marker.Shortfall,
			"reversed_at": &at,
			"updated_at":  at,
		}
		if marker.Note != "" {
			updates["last_error"] = marker.Note
		}
		res := r.db.WithContext(ctx).Model(&models.SettlementBatch{}).
			Where("id = ?", marker.Batch.ID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgerrors.Newf(pkgerrors.CodeNotFound, "settlement batch %s not found", marker.Batch.ID)
		}
		return nil
	default:
		return fmt.Errorf("unsupported batch marker status %q", marker.Status)
	}
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var row models.SettlementBatch
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	rec, err := fromModel(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *repository) ListDispatchable(ctx context.Context, limit int) ([]Record, error) {
	return r.ListByStatus(ctx, enums.SettlementStatusUncommitted, limit)
}

func (r *repository) ListByStatus(ctx context.Context, status enums.SettlementStatus, limit int) ([]Record, error) {
	q := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("applied_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.SettlementBatch
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListApplied returns every batch id the ledger has ever applied.
func (r *repository) ListApplied(ctx context.Context) ([]ledger.BatchRef, error) {
	var rows []struct {
		ID     uuid.UUID
		Status enums.SettlementStatus
	}
	if err := r.db.WithContext(ctx).Model(&models.SettlementBatch{}).Select("id", "status").Find(&rows).Error; err != nil {
		return nil, err
	}
	refs := make([]ledger.BatchRef, len(rows))
	for i, row := range rows {
		refs[i] = ledger.BatchRef{ID: row.ID, Reversed: row.Status == enums.SettlementStatusReversed}
	}
	return refs, nil
}

func (r *repository) MarkAttempt(ctx context.Context, id uuid.UUID, attemptErr error) error {
	updates := map[string]any{
		"attempt_count": gorm.Expr("attempt_count + 1"),
		"updated_at":    time.Now().UTC(),
	}
	if attemptErr != nil {
		updates["last_error"] = attemptErr.Error()
	}
	return r.db.WithContext(ctx).Model(&models.SettlementBatch{}).
		Where("id = ? AND status = ?", id, enums.SettlementStatusUncommitted).
		Updates(updates).Error
}

func (r *repository) MarkCommitted(ctx context.Context, id uuid.UUID, reference string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.SettlementBatch{}).
		Where("id = ? AND status = ?", id, enums.SettlementStatusUncommitted).
		Updates(map[string]any{
			"status":       enums.SettlementStatusCommitted,
			"reference":    reference,
			"committed_at": &at,
			"last_error":   nil,
			"updated_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "settlement batch %s is no longer uncommitted", id)
	}
	return nil
}

func (r *repository) MarkManualReview(ctx context.Context, id uuid.UUID, reason string) error {
	res := r.db.WithContext(ctx).Model(&models.SettlementBatch{}).
		Where("id = ? AND status = ?", id, enums.SettlementStatusUncommitted).
		Updates(map[string]any{
			"status":     enums.SettlementStatusManualReview,
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.Newf(pkgerrors.CodeConflict, "settlement batch %s is no longer uncommitted", id)
	}
	return nil
}

func toModel(marker ledger.BatchMarker) (models.SettlementBatch, error) {
	b := marker.Batch
	lines, err := json.Marshal(b.Lines)
	if err != nil {
		return models.SettlementBatch{}, fmt.Errorf("marshal batch lines: %w", err)
	}
	return models.SettlementBatch{
		ID:            b.ID,
		RoundID:       b.RoundID,
		Status:        marker.Status,
		Lines:         lines,
		LineCount:     len(b.Lines),
		TotalAmount:   b.Total(),
		PendingAmount: b.PendingTotal(),
		Unallocated:   b.Unallocated,
		Remainder:     b.Remainder,
		Shortfall:     marker.Shortfall,
		AppliedAt:     marker.At,
		UpdatedAt:     marker.At,
	}, nil
}

func fromModel(row models.SettlementBatch) (Record, error) {
	var lines []commission.Line
	if len(row.Lines) > 0 {
		if err := json.Unmarshal(row.Lines, &lines); err != nil {
			return Record{}, fmt.Errorf("decode lines of batch %s: %w", row.ID, err)
		}
	}
	rec := Record{
		Batch: ledger.Batch{
			ID:          row.ID,
			RoundID:     row.RoundID,
			Lines:       lines,
			Unallocated: row.Unallocated,
			Remainder:   row.Remainder,
			CreatedAt:   row.AppliedAt,
		},
		Status:       row.Status,
		AttemptCount: row.AttemptCount,
		Shortfall:    row.Shortfall,
		AppliedAt:    row.AppliedAt,
		CommittedAt:  row.CommittedAt,
		ReversedAt:   row.ReversedAt,
	}
	if row.LastError != nil {
		rec.LastError = *row.LastError
	}
	if row.Reference != nil {
		rec.Reference = *row.Reference
	}
	return rec, nil
}
