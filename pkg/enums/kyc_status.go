package enums

import "fmt"

// KYCStatus mirrors the externally decided verification flag. Only
// KYCStatusApproved unlocks withdrawals when KYC is enforced.
type KYCStatus int

const (
	KYCStatusNone KYCStatus = iota
	KYCStatusPending
	KYCStatusApproved
	KYCStatusRejected
)

func (k KYCStatus) IsValid() bool {
	return k >= KYCStatusNone && k <= KYCStatusRejected
}

func (k KYCStatus) String() string {
	switch k {
	case KYCStatusNone:
		return "none"
	case KYCStatusPending:
		return "pending"
	case KYCStatusApproved:
		return "approved"
	case KYCStatusRejected:
		return "rejected"
	}
	return fmt.Sprintf("kyc(%d)", int(k))
}

func ParseKYCStatus(value int) (KYCStatus, error) {
	k := KYCStatus(value)
	if !k.IsValid() {
		return 0, fmt.Errorf("invalid kyc status %d", value)
	}
	return k, nil
}
