package crosspay

import (
	"errors"
	"fmt"
)

// Error carries a stable machine-readable code alongside the human message.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeChainNotSupported   = "CHAIN_NOT_SUPPORTED"
	ErrCodeSignatureMismatch   = "SIGNATURE_MISMATCH"
	ErrCodeInsufficientAmount  = "INSUFFICIENT_AMOUNT"
	ErrCodeTimeWindow          = "TIME_WINDOW"
	ErrCodeNonceUsed           = "NONCE_USED"
	ErrCodeSettlementFailed    = "SETTLEMENT_FAILED"
	ErrCodeAttestationTimeout  = "ATTESTATION_TIMEOUT"
	ErrCodeAttestationNotFound = "ATTESTATION_NOT_FOUND"
	ErrCodeBadCredential       = "BAD_CREDENTIAL"
	ErrCodePartialPlan         = "PARTIAL_PLAN"
)

// NewError creates a new Error.
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode extracts the code from an Error anywhere in err's chain,
// or returns "" if there is none.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
