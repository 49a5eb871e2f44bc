package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
)

// LedgerStateID is the primary key of the single ledger_state row.
const LedgerStateID = 1

// LedgerState stores the solvency inputs that cannot be rebuilt from account
// rows. Total liabilities are deliberately absent.
type LedgerState struct {
	ID               int                `gorm:"column:id;primaryKey"`
	ReportedAssets   decimal.Decimal    `gorm:"column:reported_assets;not null"`
	EmergencyReserve decimal.Decimal    `gorm:"column:emergency_reserve;not null"`
	MinSolvencyBps   int64              `gorm:"column:min_solvency_bps;not null"`
	Maintenance      bool               `gorm:"column:maintenance;not null;default:false"`
	Breaker          enums.BreakerState `gorm:"column:breaker;not null"`
	TreasuryUsed     decimal.Decimal    `gorm:"column:treasury_used;not null;default:0"`
	TreasuryStart    *time.Time         `gorm:"column:treasury_window_started_at"`
	UpdatedAt        time.Time          `gorm:"column:updated_at"`
}

func (LedgerState) TableName() string { return "ledger_state" }
