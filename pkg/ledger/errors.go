package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrAccountNotFound           = errors.New("account not found")
	ErrInsufficientCredits       = errors.New("insufficient credits")
	ErrDuplicateIdempotencyKey   = errors.New("duplicate idempotency key")
	ErrDuplicatePendingGrant     = errors.New("duplicate pending grant")
	ErrUnknownPendingGrant       = errors.New("unknown pending grant")
	ErrInvalidAccountID          = errors.New("invalid account id")
	ErrInvalidIdempotencyKey     = errors.New("invalid idempotency key")
	ErrInvalidCreditType         = errors.New("invalid credit type")
	ErrInvalidEntryKind          = errors.New("invalid entry kind")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrAmountKindMismatch        = errors.New("amount direction disagrees with entry kind")
	ErrInvalidEmail              = errors.New("invalid email")
	ErrInvalidSubscriptionStatus = errors.New("invalid subscription status")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
	ErrStoreConflict             = errors.New("store transaction conflict")
	ErrLedgerUnavailable         = errors.New("ledger unavailable")
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
