package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/angelmondragon/unilevel-ledger/pkg/db/models"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository appends audit events to the audit_events table. It has no
// update or delete path.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Append(ctx context.Context, events ...Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

type Filter struct {
	AccountID string
	BatchID   uuid.UUID
	Types     []enums.AuditEventType
	Since     time.Time
	Limit     int
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an audit repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Append(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]models.AuditEvent, 0, len(events))
	for _, ev := range events {
		if !ev.Type.IsValid() {
			return fmt.Errorf("invalid audit event type %q", ev.Type)
		}
		row, err := toModel(ev)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

func (r *repository) List(ctx context.Context, filter Filter) ([]Event, error) {
	q := r.db.WithContext(ctx).Model(&models.AuditEvent{})
	if filter.AccountID != "" {
		q = q.Where("account_id = ?", filter.AccountID)
	}
	if filter.BatchID != uuid.Nil {
		q = q.Where("batch_id = ?", filter.BatchID)
	}
	if len(filter.Types) > 0 {
		q = q.Where("type IN ?", filter.Types)
	}
	if !filter.Since.IsZero() {
		q = q.Where("occurred_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []models.AuditEvent
	if err := q.Order("occurred_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev, err := fromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// SinkFor adapts a repository to the Sink interface.
func SinkFor(repo Repository) Sink {
	return repoSink{repo: repo}
}

type repoSink struct {
	repo Repository
}

func (s repoSink) Append(ctx context.Context, events ...Event) error {
	return s.repo.Append(ctx, events...)
}

func toModel(ev Event) (models.AuditEvent, error) {
	row := models.AuditEvent{
		ID:         ev.ID,
		Type:       ev.Type,
		Amount:     ev.Amount,
		Reason:     ev.Reason,
		Actor:      ev.Actor,
		OccurredAt: ev.OccurredAt,
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if ev.AccountID != "" {
		id := ev.AccountID
		row.AccountID = &id
	}
	if ev.BatchID != uuid.Nil {
		id := ev.BatchID
		row.BatchID = &id
	}
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return models.AuditEvent{}, fmt.Errorf("marshal audit data: %w", err)
		}
		row.Data = raw
	}
	return row, nil
}

func fromModel(row models.AuditEvent) (Event, error) {
	ev := Event{
		ID:         row.ID,
		Type:       row.Type,
		Amount:     row.Amount,
		Reason:     row.Reason,
		Actor:      row.Actor,
		OccurredAt: row.OccurredAt,
	}
	if row.AccountID != nil {
		ev.AccountID = *row.AccountID
	}
	if row.BatchID != nil {
		ev.BatchID = *row.BatchID
	}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &ev.Data); err != nil {
			return Event{}, fmt.Errorf("decode audit data: %w", err)
		}
	}
	return ev, nil
}
