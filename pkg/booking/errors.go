package booking

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the engine.
var (
	ErrInvalidTransition          = errors.New("invalid transition")
	ErrBookingNotFound            = errors.New("booking not found")
	ErrLedgerNotFound             = errors.New("ledger not found")
	ErrCaseNotFound               = errors.New("rectification case not found")
	ErrCaseClosed                 = errors.New("rectification case closed")
	ErrInvoiceNotFound            = errors.New("invoice not found")
	ErrInvoiceClosed              = errors.New("invoice closed")
	ErrEscrowFrozen               = errors.New("escrow frozen")
	ErrLedgerInvariant            = errors.New("ledger invariant violation")
	ErrOTPMismatch                = errors.New("otp mismatch")
	ErrOTPExpired                 = errors.New("otp expired")
	ErrOTPLocked                  = errors.New("otp locked")
	ErrOTPAlreadyUsed             = errors.New("otp already used")
	ErrOTPNotIssued               = errors.New("otp not issued")
	ErrPaymentCapture             = errors.New("payment capture failed")
	ErrRefundFailed               = errors.New("refund failed")
	ErrReleaseDeferred            = errors.New("release deferred")
	ErrDuplicateIdempotencyKey    = errors.New("duplicate idempotency key")
	ErrGracePeriodNotElapsed      = errors.New("grace period not elapsed")
	ErrInvalidBookingID           = errors.New("invalid booking id")
	ErrInvalidPartyID             = errors.New("invalid party id")
	ErrInvalidIdempotencyKey      = errors.New("invalid idempotency key")
	ErrInvalidAmountCents         = errors.New("invalid amount cents")
	ErrInvalidTier                = errors.New("invalid tier")
	ErrInvalidBookingStatus       = errors.New("invalid booking status")
	ErrInvalidRectificationStatus = errors.New("invalid rectification status")
	ErrInvalidInvoiceStatus       = errors.New("invalid invoice status")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
