package enums

import "fmt"

// AuditEventType classifies entries in the append-only audit log.
type AuditEventType string

const (
	AuditEventCredit             AuditEventType = "credit"
	AuditEventDebit              AuditEventType = "debit"
	AuditEventPendingCredit      AuditEventType = "pending_credit"
	AuditEventPendingRelease     AuditEventType = "pending_release"
	AuditEventWithdrawal         AuditEventType = "withdrawal"
	AuditEventTreasuryPayout     AuditEventType = "treasury_payout"
	AuditEventTransfer           AuditEventType = "transfer"
	AuditEventUnlockChange       AuditEventType = "unlock_change"
	AuditEventActivation         AuditEventType = "activation"
	AuditEventBreakerTransition  AuditEventType = "breaker_transition"
	AuditEventReserveReport      AuditEventType = "reserve_report"
	AuditEventReserveFund        AuditEventType = "reserve_fund"
	AuditEventReserveDraw        AuditEventType = "reserve_draw"
	AuditEventBatchApplied       AuditEventType = "batch_applied"
	AuditEventBatchReversed      AuditEventType = "batch_reversed"
	AuditEventSubscription       AuditEventType = "subscription"
	AuditEventAccountRegistered  AuditEventType = "account_registered"
	AuditEventSettingsChange     AuditEventType = "settings_change"
	AuditEventInvariantViolation AuditEventType = "invariant_violation"
)

var validAuditEventTypes = []AuditEventType{
	AuditEventCredit,
	AuditEventDebit,
	AuditEventPendingCredit,
	AuditEventPendingRelease,
	AuditEventWithdrawal,
	AuditEventTreasuryPayout,
	AuditEventTransfer,
	AuditEventUnlockChange,
	AuditEventActivation,
	AuditEventBreakerTransition,
	AuditEventReserveReport,
	AuditEventReserveFund,
	AuditEventReserveDraw,
	AuditEventBatchApplied,
	AuditEventBatchReversed,
	AuditEventSubscription,
	AuditEventAccountRegistered,
	AuditEventSettingsChange,
	AuditEventInvariantViolation,
}

// IsValid reports whether the value matches a known audit event type.
func (t AuditEventType) IsValid() bool {
	for _, candidate := range validAuditEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseAuditEventType converts raw input into AuditEventType.
func ParseAuditEventType(value string) (AuditEventType, error) {
	for _, candidate := range validAuditEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit event type %q", value)
}
