package accounts

import (
	"strings"
	"time"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/unilevel-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	// MaxLevel is the deepest commission level and the highest unlock level.
	MaxLevel = 10
	// BaseLevel is granted to every active account.
	BaseLevel = 5
)

// Account is a snapshot of one member of the referral forest. Values handed
// out by the Store are copies; mutation only happens through Locked.
type Account struct {
	ID                  string
	SponsorID           string
	Active              bool
	UnlockedLevel       int
	InternalBalance     decimal.Decimal
	PendingInactive     decimal.Decimal
	MonthlyVolume       decimal.Decimal
	DirectActiveCount   int
	WithdrawnThisWindow decimal.Decimal
	WindowStartedAt     time.Time
	KYCStatus           enums.KYCStatus
	SubscriptionExpiry  time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NormalizeID canonicalises wallet style identifiers.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (a Account) HasSponsor() bool {
	return a.SponsorID != ""
}

// Liability is what the platform owes this account, released or not.
func (a Account) Liability() decimal.Decimal {
	return a.InternalBalance.Add(a.PendingInactive)
}

// SubscriptionActive reports whether the paid period covers now.
func (a Account) SubscriptionActive(now time.Time) bool {
	return !a.SubscriptionExpiry.IsZero() && now.Before(a.SubscriptionExpiry)
}

// Validate checks the per-account invariants.
func (a Account) Validate() error {
	switch {
	case a.ID == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "account id is required")
	case a.InternalBalance.IsNegative():
		return pkgerrors.New(pkgerrors.CodeInconsistentLiabilities, "internal balance is negative").
			WithDetails(map[string]any{"account_id": a.ID, "balance": a.InternalBalance.String()})
	case a.PendingInactive.IsNegative():
		return pkgerrors.New(pkgerrors.CodeInconsistentLiabilities, "pending inactive earnings are negative").
			WithDetails(map[string]any{"account_id": a.ID, "pending": a.PendingInactive.String()})
	case a.MonthlyVolume.IsNegative():
		return pkgerrors.New(pkgerrors.CodeValidation, "monthly volume is negative")
	case a.WithdrawnThisWindow.IsNegative():
		return pkgerrors.New(pkgerrors.CodeInconsistentLiabilities, "withdrawn window counter is negative")
	case a.UnlockedLevel < 0 || a.UnlockedLevel > MaxLevel:
		return pkgerrors.Newf(pkgerrors.CodeValidation, "unlocked level %d out of range", a.UnlockedLevel)
	case a.DirectActiveCount < 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "direct active count is negative")
	case !a.KYCStatus.IsValid():
		return pkgerrors.Newf(pkgerrors.CodeValidation, "kyc status %d out of range", int(a.KYCStatus))
	}
	return nil
}
