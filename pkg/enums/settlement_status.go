package enums

import "fmt"

// SettlementStatus tracks a batch through the external commit boundary.
type SettlementStatus string

const (
	SettlementStatusUncommitted  SettlementStatus = "uncommitted"
	SettlementStatusCommitted    SettlementStatus = "committed"
	SettlementStatusManualReview SettlementStatus = "manual_review"
	SettlementStatusReversed     SettlementStatus = "reversed"
)

var validSettlementStatuses = []SettlementStatus{
	SettlementStatusUncommitted,
	SettlementStatusCommitted,
	SettlementStatusManualReview,
	SettlementStatusReversed,
}

// IsValid reports whether the value matches a known settlement status.
func (s SettlementStatus) IsValid() bool {
	for _, candidate := range validSettlementStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the dispatcher should stop retrying the batch.
func (s SettlementStatus) Terminal() bool {
	return s != SettlementStatusUncommitted
}

// ParseSettlementStatus converts raw input into SettlementStatus.
func ParseSettlementStatus(value string) (SettlementStatus, error) {
	for _, candidate := range validSettlementStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid settlement status %q", value)
}
