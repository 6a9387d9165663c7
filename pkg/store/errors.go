// Package store provides standardized error types for store operations.
package store

import (
	"errors"
	"fmt"
)

// Standard store error types that all implementations should use.
var (
	// ErrEntityNotFound indicates an entity was not found by the given identifier.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrRelationshipNotFound indicates a relationship was not found by the given identifier.
	ErrRelationshipNotFound = errors.New("relationship not found")

	// ErrTransactionNotFound indicates a transaction was not found by the given identifier.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateKey indicates a write violated a uniqueness constraint.
	// The idempotency service relies on this to resolve concurrent races.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrOrganizationRequired indicates a call omitted the organization scope.
	ErrOrganizationRequired = errors.New("organization id is required")
)

// StoreError wraps store-related errors with operation context.
type StoreError struct {
	Op       string // Operation being performed (e.g. "CreateEntity", "QueryRelationships")
	RecordID string // Record identifier if applicable
	Err      error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.RecordID, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, recordID string, err error) *StoreError {
	return &StoreError{
		Op:       op,
		RecordID: recordID,
		Err:      err,
	}
}

// IsEntityNotFound checks if an error indicates an entity was not found.
func IsEntityNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

// IsRelationshipNotFound checks if an error indicates a relationship was not found.
func IsRelationshipNotFound(err error) bool {
	return errors.Is(err, ErrRelationshipNotFound)
}

// IsTransactionNotFound checks if an error indicates a transaction was not found.
func IsTransactionNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound)
}

// IsDuplicateKey checks if an error indicates a uniqueness violation.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}
