package enums

import "fmt"

// BreakerState is the circuit breaker position guarding outflows.
type BreakerState string

const (
	BreakerStateNormal  BreakerState = "NORMAL"
	BreakerStateTripped BreakerState = "TRIPPED"
)

func (s BreakerState) IsValid() bool {
	return s == BreakerStateNormal || s == BreakerStateTripped
}

func ParseBreakerState(value string) (BreakerState, error) {
	s := BreakerState(value)
	if !s.IsValid() {
		return "", fmt.Errorf("invalid breaker state %q", value)
	}
	return s, nil
}
