package credora

import (
	"errors"
	"fmt"
)

// Error represents a loan-pipeline error with a machine-readable code
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	// ErrCodeLedgerUnreachable is an RPC or network failure reading chain
	// state. Always retryable; an outstanding amount is never assumed to be
	// zero on this error.
	ErrCodeLedgerUnreachable = "ledger_unreachable"

	// ErrCodeTransactionTimeout means a transaction was submitted but no
	// mined receipt appeared before the confirmation deadline. The caller
	// must not assume success or failure.
	ErrCodeTransactionTimeout = "transaction_timeout"

	// ErrCodeTransactionReverted means a receipt was mined with a failed
	// status. Terminal for that attempt.
	ErrCodeTransactionReverted = "transaction_reverted"

	// ErrCodeMissingLoanAmount means a 402 indicated insufficient funds but
	// no usable loan amount could be determined.
	ErrCodeMissingLoanAmount = "missing_loan_amount"

	// ErrCodeUnexpectedPaymentError means a 402 was returned for a reason
	// other than insufficient funds. Never triggers borrowing.
	ErrCodeUnexpectedPaymentError = "unexpected_payment_error"

	// ErrCodeConfigurationDisabled means no ledger client was configured and
	// the auto-loan path is a passthrough.
	ErrCodeConfigurationDisabled = "configuration_disabled"
)

// NewError creates a new pipeline error
func NewError(code, message string, details map[string]interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WrapError creates a new pipeline error wrapping an underlying cause
func WrapError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode reports whether err is a pipeline *Error carrying the given code
func IsCode(err error, code string) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
