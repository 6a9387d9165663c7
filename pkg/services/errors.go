// Package services implements the run control and definition management
// surface on top of the engine: permission checks, idempotency, auditing and
// status transition legality live here, not in the HTTP layer.
package services

import (
	"errors"
	"fmt"
)

// Business logic errors mapped to 4xx responses by the HTTP layer.
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidStatus  = errors.New("run status does not allow this transition")
	ErrInvalidAction  = errors.New("unknown control action")

	// Conflicts (409).
	ErrAlreadyCancelled = errors.New("run is already cancelled")

	// Not found (404).
	ErrRunNotFound = errors.New("run not found")
)

// ErrCancellationFailed indicates the store rejected the cancel write; the
// run may still be running (500, retryable).
var ErrCancellationFailed = errors.New("failed to persist cancellation")

// ServiceError wraps service-level errors with operation context.
type ServiceError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidAction)
}

// IsConflictError checks if an error should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyCancelled)
}

// NewValidationError creates a validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
