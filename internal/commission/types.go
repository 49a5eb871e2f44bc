package commission

import "github.com/shopspring/decimal"

// Line is one commission credit. Lines are immutable once emitted and are
// consumed exactly once by the ledger.
type Line struct {
	PayerID     string          `json:"payer_account_id"`
	RecipientID string          `json:"recipient_account_id"`
	Level       int             `json:"level"`
	Percentage  decimal.Decimal `json:"percentage"`
	Amount      decimal.Decimal `json:"amount"`
	// Pending marks a recipient that was inactive when the line was computed.
	Pending bool `json:"pending"`
}

// Result is the outcome of a single beneficiary computation.
//
// Unallocated sums the shares of levels whose sponsor was missing or had not
// unlocked the level. Remainder is the part of the pool the table itself
// never assigns.
type Result struct {
	BeneficiaryID string
	Profit        decimal.Decimal
	Pool          decimal.Decimal
	Lines         []Line
	Distributed   decimal.Decimal
	Pending       decimal.Decimal
	Unallocated   decimal.Decimal
	Remainder     decimal.Decimal
}

type Entry struct {
	AccountID string          `json:"account_id" validate:"required"`
	Profit    decimal.Decimal `json:"profit" validate:"gte=0"`
}

type RecipientTotal struct {
	RecipientID string
	Amount      decimal.Decimal
	Pending     decimal.Decimal
	Lines       []Line
}

type BatchResult struct {
	Results     []Result
	Lines       []Line
	Recipients  []RecipientTotal
	Pool        decimal.Decimal
	Distributed decimal.Decimal
	Pending     decimal.Decimal
	Unallocated decimal.Decimal
	Remainder   decimal.Decimal
}

type UplineDetail struct {
	Level             int
	AccountID         string
	Active            bool
	UnlockedLevel     int
	Unlocked          bool
	DirectActiveCount int
	MonthlyVolume     decimal.Decimal
}

type Simulation struct {
	Result
	Upline []UplineDetail
}
