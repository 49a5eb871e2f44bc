package enums

import "fmt"

// AccountEventType is the event_type attribute of inbound account events.
type AccountEventType string

const (
	AccountEventRegistered   AccountEventType = "account.registered"
	AccountEventActivation   AccountEventType = "account.activation"
	AccountEventVolume       AccountEventType = "account.volume"
	AccountEventSubscription AccountEventType = "account.subscription"
	AccountEventReserve      AccountEventType = "reserve.report"
)

var validAccountEventTypes = []AccountEventType{
	AccountEventRegistered,
	AccountEventActivation,
	AccountEventVolume,
	AccountEventSubscription,
	AccountEventReserve,
}

func (t AccountEventType) IsValid() bool {
	for _, candidate := range validAccountEventTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseAccountEventType converts raw input into AccountEventType.
func ParseAccountEventType(value string) (AccountEventType, error) {
	for _, candidate := range validAccountEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid account event type %q", value)
}
