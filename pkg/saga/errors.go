package saga

import (
	"errors"
	"strings"
)

var (
	// ErrOrderNotFound is returned when an order cannot be located.
	ErrOrderNotFound = errors.New("order not found")
	// ErrExecutionNotFound is returned when a saga execution cannot be located.
	ErrExecutionNotFound = errors.New("saga execution not found")
	// ErrStepResultNotFound is returned when a step result row cannot be located.
	ErrStepResultNotFound = errors.New("saga step result not found")
	// ErrRetryAttemptNotFound is returned when a retry attempt cannot be located.
	ErrRetryAttemptNotFound = errors.New("retry attempt not found")
	// ErrInvalidTransition is returned when a status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorCode is a machine-readable failure classification carried on step
// failures. Retryability is a property of the code, consumed by the retry
// eligibility logic rather than by inline automatic retries.
type ErrorCode string

const (
	CodeInventoryUnavailable ErrorCode = "INVENTORY_UNAVAILABLE"
	CodePaymentDeclined      ErrorCode = "PAYMENT_DECLINED"
	CodePaymentTimeout       ErrorCode = "PAYMENT_TIMEOUT"
	CodeFraudDetected        ErrorCode = "FRAUD_DETECTED"
	CodeShippingUnavailable  ErrorCode = "SHIPPING_UNAVAILABLE"
	CodeServiceTimeout       ErrorCode = "SERVICE_TIMEOUT"
	CodeConflict             ErrorCode = "CONFLICT"
	CodeUnexpected           ErrorCode = "UNEXPECTED_ERROR"
)

var nonRetryableCodes = map[ErrorCode]struct{}{
	CodeFraudDetected: {},
	CodeConflict:      {},
}

// Retryable reports whether a failure with this code may be retried through
// the retry subsystem. Unknown codes are treated as retryable; the retry
// window and attempt limits still bound them.
func (c ErrorCode) Retryable() bool {
	_, blocked := nonRetryableCodes[c]
	return !blocked
}

// FormatStepError renders a failure for storage as "CODE: message" so the
// machine-readable code survives in the error column and can be parsed back
// by retry eligibility.
func FormatStepError(code ErrorCode, message string) string {
	if code == "" {
		code = CodeUnexpected
	}
	if message == "" {
		return string(code)
	}
	return string(code) + ": " + message
}

// ParseStepError splits a stored step error back into code and message.
// Strings without a recognizable code prefix come back as CodeUnexpected
// with the whole string as the message.
func ParseStepError(s string) (ErrorCode, string) {
	head, tail, found := strings.Cut(s, ":")
	if found && isErrorCode(head) {
		return ErrorCode(head), strings.TrimSpace(tail)
	}
	if !found && isErrorCode(s) {
		return ErrorCode(s), ""
	}
	return CodeUnexpected, s
}

// isErrorCode recognizes the SCREAMING_SNAKE shape of stored codes.
func isErrorCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && r != '_' {
			return false
		}
	}
	return true
}
