package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodeNotFound   Code = "NOT_FOUND"
	CodeConflict   Code = "CONFLICT"
	CodeInternal   Code = "INTERNAL_ERROR"
	CodeDependency Code = "DEPENDENCY_ERROR"

	CodeUnknownAccount          Code = "UNKNOWN_ACCOUNT"
	CodeInsufficientBalance     Code = "INSUFFICIENT_BALANCE"
	CodeBelowMin                Code = "BELOW_MIN"
	CodeAboveMaxPerTx           Code = "ABOVE_MAX_PER_TX"
	CodeAboveMonthlyCap         Code = "ABOVE_MONTHLY_CAP"
	CodeAboveDailyTreasuryCap   Code = "ABOVE_DAILY_TREASURY_CAP"
	CodeBreakerActive           Code = "BREAKER_ACTIVE"
	CodeSolvencyFloor           Code = "SOLVENCY_FLOOR"
	CodeKYCRequired             Code = "KYC_REQUIRED"
	CodeInvalidPercentageTable  Code = "INVALID_PERCENTAGE_TABLE"
	CodeSettlementTimeout       Code = "SETTLEMENT_TIMEOUT"
	CodeSettlementRejected      Code = "SETTLEMENT_REJECTED"
	CodeInconsistentLiabilities Code = "INCONSISTENT_LIABILITIES"
)

// Metadata describes how a code surfaces to callers. Fatal codes halt the
// ledger until an operator intervenes.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
	Fatal          bool
}

var metadataByCode = map[Code]Metadata{
	CodeValidation: {
		HTTPStatus:     http.StatusBadRequest,
		PublicMessage:  "validation failed",
		DetailsAllowed: true,
	},
	CodeNotFound: {
		HTTPStatus:    http.StatusNotFound,
		PublicMessage: "resource not found",
	},
	CodeConflict: {
		HTTPStatus:    http.StatusConflict,
		PublicMessage: "conflict detected",
	},
	CodeInternal: {
		HTTPStatus:    http.StatusInternalServerError,
		Retryable:     true,
		PublicMessage: "internal server error",
	},
	CodeDependency: {
		HTTPStatus:     http.StatusServiceUnavailable,
		Retryable:      true,
		PublicMessage:  "dependency unavailable",
		DetailsAllowed: true,
	},
	CodeUnknownAccount: {
		HTTPStatus:     http.StatusNotFound,
		PublicMessage:  "account not found",
		DetailsAllowed: true,
	},
	CodeInsufficientBalance: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "insufficient balance",
		DetailsAllowed: true,
	},
	CodeBelowMin: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "amount below minimum withdrawal",
		DetailsAllowed: true,
	},
	CodeAboveMaxPerTx: {
		HTTPStatus:     http.StatusUnprocessableEntity,
		PublicMessage:  "amount above per-transaction limit",
		DetailsAllowed: true,
	},
	CodeAboveMonthlyCap: {
		HTTPStatus:     http.StatusTooManyRequests,
		PublicMessage:  "monthly withdrawal limit reached",
		DetailsAllowed: true,
	},
	CodeAboveDailyTreasuryCap: {
		HTTPStatus:     http.StatusTooManyRequests,
		PublicMessage:  "daily treasury limit reached",
		DetailsAllowed: true,
	},
	CodeBreakerActive: {
		HTTPStatus:    http.StatusServiceUnavailable,
		PublicMessage: "withdrawals are temporarily paused, try later",
	},
	CodeSolvencyFloor: {
		HTTPStatus:     http.StatusServiceUnavailable,
		PublicMessage:  "payout would breach the solvency floor",
		DetailsAllowed: true,
	},
	CodeKYCRequired: {
		HTTPStatus:    http.StatusForbidden,
		PublicMessage: "identity verification required",
	},
	CodeInvalidPercentageTable: {
		HTTPStatus:     http.StatusInternalServerError,
		PublicMessage:  "commission table misconfigured",
		DetailsAllowed: true,
	},
	CodeSettlementTimeout: {
		HTTPStatus:    http.StatusGatewayTimeout,
		Retryable:     true,
		PublicMessage: "settlement commit timed out",
	},
	CodeSettlementRejected: {
		HTTPStatus:     http.StatusBadGateway,
		PublicMessage:  "settlement commit rejected",
		DetailsAllowed: true,
	},
	CodeInconsistentLiabilities: {
		HTTPStatus:    http.StatusInternalServerError,
		PublicMessage: "ledger halted pending operator review",
		Fatal:         true,
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches another *Error by code so callers can compare against sentinel
// values with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.code == t.code && (t.message == "" || t.message == e.message)
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the first typed error in the chain, or
// CodeInternal when the chain carries none.
func CodeOf(err error) Code {
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(CodeOf(err)).Retryable
}
