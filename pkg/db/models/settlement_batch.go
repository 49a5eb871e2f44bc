package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
)

// SettlementBatch doubles as the applied marker for a commission batch: the
// row is written in the same transaction as the balances it produced.
type SettlementBatch struct {
	ID            uuid.UUID              `gorm:"column:id;primaryKey"`
	RoundID       string                 `gorm:"column:round_id;not null;uniqueIndex:idx_settlement_batches_round_id"`
	Status        enums.SettlementStatus `gorm:"column:status;not null;index"`
	Lines         json.RawMessage        `gorm:"column:lines;not null"`
	LineCount     int                    `gorm:"column:line_count;not null"`
	TotalAmount   decimal.Decimal        `gorm:"column:total_amount;not null"`
	PendingAmount decimal.Decimal        `gorm:"column:pending_amount;not null"`
	Unallocated   decimal.Decimal        `gorm:"column:unallocated;not null"`
	Remainder     decimal.Decimal        `gorm:"column:remainder;not null"`
	Shortfall     decimal.Decimal        `gorm:"column:shortfall;not null"`
	AttemptCount  int                    `gorm:"column:attempt_count;not null;default:0"`
	LastError     *string                `gorm:"column:last_error"`
	Reference     *string                `gorm:"column:reference"`
	AppliedAt     time.Time              `gorm:"column:applied_at;not null"`
	CommittedAt   *time.Time             `gorm:"column:committed_at"`
	ReversedAt    *time.Time             `gorm:"column:reversed_at"`
	UpdatedAt     time.Time              `gorm:"column:updated_at"`
}

func (SettlementBatch) TableName() string { return "settlement_batches" }
