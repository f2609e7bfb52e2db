package errors

import (
	"errors"
	"fmt"
)

var (
	// Unit of work errors
	ErrActiveContext = errors.New("no active context")
	ErrRegistration  = errors.New("must register before entering")
	ErrNotBegun      = errors.New("unit of work has not begun")

	// Outbox errors
	ErrOutsideTransaction = errors.New("must be used within an active transaction")
	ErrEventNotFound      = errors.New("outbox event not found")
	ErrUnsupportedSchema  = errors.New("unsupported payload schema version")
	ErrEventTerminal      = errors.New("outbox event is in a terminal state")
	ErrEventInFlight      = errors.New("outbox event is being processed by another worker")

	// Receipt errors
	ErrIntegrity       = errors.New("receipt integrity check failed")
	ErrReceiptNotFound = errors.New("receipt not found")

	// Append-only stores
	ErrNotSupported = errors.New("operation not supported")

	// Worker errors
	ErrWorkerNotStopped = errors.New("worker is not stopped")
	ErrWorkerNotRunning = errors.New("worker is not running")
	ErrWorkerStartup    = errors.New("worker failed to start")
	ErrShutdownTimeout  = errors.New("worker shutdown timed out")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// StoreError records which store failed and in which transaction phase.
type StoreError struct {
	Store string
	Phase string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed during %s: %v", e.Store, e.Phase, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new store error
func NewStoreError(store, phase string, err error) *StoreError {
	return &StoreError{
		Store: store,
		Phase: phase,
		Err:   err,
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

// Is lets callers match any validation error with errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
