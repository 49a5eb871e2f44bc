package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
)

// AuditEvent is an immutable record of a balance mutation, unlock change or
// breaker transition.
type AuditEvent struct {
	ID         uuid.UUID            `gorm:"column:id;primaryKey"`
	Type       enums.AuditEventType `gorm:"column:type;not null;index"`
	AccountID  *string              `gorm:"column:account_id;index"`
	BatchID    *uuid.UUID           `gorm:"column:batch_id;index"`
	Amount     decimal.Decimal      `gorm:"column:amount;not null"`
	Reason     string               `gorm:"column:reason;not null;default:''"`
	Actor      string               `gorm:"column:actor;not null;default:''"`
	Data       json.RawMessage      `gorm:"column:data"`
	OccurredAt time.Time            `gorm:"column:occurred_at;not null;index"`
}

func (AuditEvent) TableName() string { return "audit_events" }
