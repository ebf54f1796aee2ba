package errors

import (
	"errors"
	"fmt"
)

var (
	// Attempt errors
	ErrAttemptNotFound   = errors.New("payment attempt not found")
	ErrAttemptNotStarted = errors.New("payment attempt not initialized")
	ErrVersionConflict   = errors.New("attempt version conflict")

	// State machine errors
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidTransaction     = errors.New("transaction reference mismatch")
	ErrAmountTooLarge         = errors.New("amount exceeds remaining balance")
	ErrInvalidAmount          = errors.New("invalid amount")

	// Provider errors
	ErrProviderNotFound    = errors.New("payment provider not found")
	ErrProviderTimeout     = errors.New("provider request timeout")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrCircuitOpen         = errors.New("circuit breaker open")

	// Webhook errors
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrUnknownEventType = errors.New("unknown webhook event type")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// Result codes returned to callers in the uniform operation result shape.
const (
	CodeInvalidTransaction = "invalid_transaction"
	CodeInvalidState       = "invalid_state"
	CodeAmountTooLarge     = "amount_too_large"
	CodeCircuitOpen        = "circuit_open"
	CodeProcessingError    = "processing_error"
	CodeInvalidSignature   = "invalid_signature"
)

// DomainError wraps errors with a stable machine-readable code.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
