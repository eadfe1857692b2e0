package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock marks a movement or reservation exceeding available stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidTransition marks a workflow action attempted from a disallowed state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConcurrencyConflict marks a lock or version conflict. Safe to retry from scratch.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrReferentialIntegrity marks a reference to an item, location or document that no longer exists.
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	// ErrRetryExhausted is returned once transparent conflict retries are used up.
	ErrRetryExhausted = errors.New("operation conflicted repeatedly, try again")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientStockError carries the numbers the caller needs to render an actionable message.
// Quantities are decimal strings so the error stays free of numeric library types.
type InsufficientStockError struct {
	ItemID    int64
	Location  string
	Requested string
	Available string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d at %s: requested %s, available %s", e.ItemID, e.Location, e.Requested, e.Available)
}

// Is lets errors.Is match ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// InvalidTransitionError reports the attempted action and the document's current state.
type InvalidTransitionError struct {
	Entity string
	ID     int64
	From   string
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %d: cannot %s from status %s", e.Entity, e.ID, e.Action, e.From)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ConcurrencyConflictError wraps the lock or serialization failure that caused it.
type ConcurrencyConflictError struct {
	Resource string
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("concurrency conflict on %s", e.Resource)
	}
	return fmt.Sprintf("concurrency conflict on %s: %v", e.Resource, e.Err)
}

// Is lets errors.Is match ErrConcurrencyConflict.
func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// ReferentialIntegrityError names the missing entity.
type ReferentialIntegrityError struct {
	Entity string
	ID     int64
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("%s %d does not exist", e.Entity, e.ID)
}

// Is lets errors.Is match ErrReferentialIntegrity.
func (e *ReferentialIntegrityError) Is(target error) bool { return target == ErrReferentialIntegrity }
