package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
)

// Account is the persisted row for one referral network member. Rows are
// never deleted; deactivation flips Active.
type Account struct {
	ID                  string          `gorm:"column:id;primaryKey"`
	SponsorID           *string         `gorm:"column:sponsor_id;index"`
	Active              bool            `gorm:"column:active;not null;default:false"`
	UnlockedLevel       int             `gorm:"column:unlocked_level;not null;default:0"`
	InternalBalance     decimal.Decimal `gorm:"column:internal_balance;not null"`
	PendingInactive     decimal.Decimal `gorm:"column:pending_inactive;not null"`
	MonthlyVolume       decimal.Decimal `gorm:"column:monthly_volume;not null"`
	DirectActiveCount   int             `gorm:"column:direct_active_count;not null;default:0"`
	WithdrawnThisWindow decimal.Decimal `gorm:"column:withdrawn_this_window;not null"`
	WindowStartedAt     *time.Time      `gorm:"column:window_started_at"`
	KYCStatus           enums.KYCStatus `gorm:"column:kyc_status;not null;default:0"`
	SubscriptionExpiry  *time.Time      `gorm:"column:subscription_expiry"`
	CreatedAt           time.Time       `gorm:"column:created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "accounts" }
