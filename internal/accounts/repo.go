package accounts

import (
	"context"
	"time"

	"github.com/angelmondragon/unilevel-ledger/pkg/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists the account table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Upsert(ctx context.Context, accts []Account) error
	List(ctx context.Context) ([]Account, error)
	Get(ctx context.Context, id string) (*Account, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an account repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Upsert(ctx context.Context, accts []Account) error {
	if len(accts) == 0 {
		return nil
	}
	rows := make([]models.Account, len(accts))
	for i, a := range accts {
		rows[i] = toModel(a)
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(mutableColumns),
		}).
		Create(&rows).Error
}

// sponsor_id and created_at are written once at registration.
var mutableColumns = []string{
	"active",
	"unlocked_level",
	"internal_balance",
	"pending_inactive",
	"monthly_volume",
	"direct_active_count",
	"withdrawn_this_window",
	"window_started_at",
	"kyc_status",
	"subscription_expiry",
	"updated_at",
}

func (r *repository) List(ctx context.Context) ([]Account, error) {
	var rows []models.Account
	if err := r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Account, len(rows))
	for i, row := range rows {
		out[i] = fromModel(row)
	}
	return out, nil
}

func (r *repository) Get(ctx context.Context, id string) (*Account, error) {
	var row models.Account
	if err := r.db.WithContext(ctx).Where("id = ?", NormalizeID(id)).First(&row).Error; err != nil {
		return nil, err
	}
	acct := fromModel(row)
	return &acct, nil
}

func toModel(a Account) models.Account {
	row := models.Account{
		ID:                  a.ID,
		Active:              a.Active,
		UnlockedLevel:       a.UnlockedLevel,
		InternalBalance:     a.InternalBalance,
		PendingInactive:     a.PendingInactive,
		MonthlyVolume:       a.MonthlyVolume,
		DirectActiveCount:   a.DirectActiveCount,
		WithdrawnThisWindow: a.WithdrawnThisWindow,
		WindowStartedAt:     timePtr(a.WindowStartedAt),
		KYCStatus:           a.KYCStatus,
		SubscriptionExpiry:  timePtr(a.SubscriptionExpiry),
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
	if a.SponsorID != "" {
		sponsor := a.SponsorID
		row.SponsorID = &sponsor
	}
	return row
}

func fromModel(row models.Account) Account {
	a := Account{
		ID:                  row.ID,
		Active:              row.Active,
		UnlockedLevel:       row.UnlockedLevel,
		InternalBalance:     row.InternalBalance,
		PendingInactive:     row.PendingInactive,
		MonthlyVolume:       row.MonthlyVolume,
		DirectActiveCount:   row.DirectActiveCount,
		WithdrawnThisWindow: row.WithdrawnThisWindow,
		KYCStatus:           row.KYCStatus,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}
	if row.SponsorID != nil {
		a.SponsorID = *row.SponsorID
	}
	if row.WindowStartedAt != nil {
		a.WindowStartedAt = *row.WindowStartedAt
	}
	if row.SubscriptionExpiry != nil {
		a.SubscriptionExpiry = *row.SubscriptionExpiry
	}
	return a
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
