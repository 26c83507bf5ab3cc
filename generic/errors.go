/*
errors.go - Centralized error taxonomy for the batch engine

PURPOSE:
  Every failure leaving the engine is typed so callers map it to a stable
  status without parsing messages. Each Kind has a sentinel usable with
  errors.Is, and the kinds that carry data have a structured type whose
  Unwrap returns the sentinel.

ERROR KINDS:
  validation               malformed input, rejected before any lock
  not_found                referenced recipe/batch/vessel/item missing
  invalid_batch_state      illegal transition from current status
  concurrent_modification  transactional conflict or timeout, safe to retry
  duplicate_request        idempotency key already satisfied (replay)
  insufficient_inventory   one or more items short, all shortfalls listed
  tank_capacity_exceeded   requested volume above vessel capacity
  tank_unavailable         vessel not AVAILABLE at acquisition
  internal                 anything else; the transaction was rolled back

RETRY POLICY:
  Only concurrent_modification is safe to retry blindly. Business-rule
  failures need a new caller decision.

SEE ALSO:
  - api/errors.go: Kind → HTTP status mapping
  - store/sqlite, store/postgres: driver error translation
*/
package generic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// KINDS
// =============================================================================

type Kind string

const (
	KindValidation             Kind = "validation"
	KindNotFound               Kind = "not_found"
	KindInvalidBatchState      Kind = "invalid_batch_state"
	KindConcurrentModification Kind = "concurrent_modification"
	KindDuplicateRequest       Kind = "duplicate_request"
	KindInsufficientInventory  Kind = "insufficient_inventory"
	KindTankCapacityExceeded   Kind = "tank_capacity_exceeded"
	KindTankUnavailable        Kind = "tank_unavailable"
	KindInternal               Kind = "internal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrInvalidBatchState      = errors.New("invalid batch state")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrDuplicateRequest       = errors.New("duplicate request")
	ErrInsufficientInventory  = errors.New("insufficient inventory")
	ErrTankCapacityExceeded   = errors.New("tank capacity exceeded")
	ErrTankUnavailable        = errors.New("tank unavailable")
	ErrInternal               = errors.New("internal error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string // "batch", "vessel", "item", "recipe"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidBatchStateError names the current status vs. the statuses the
// operation requires.
type InvalidBatchStateError struct {
	BatchID   BatchID
	Operation string
	Current   BatchStatus
	Required  []BatchStatus
}

func (e *InvalidBatchStateError) Error() string {
	req := make([]string, len(e.Required))
	for i, s := range e.Required {
		req[i] = string(s)
	}
	return fmt.Sprintf("cannot %s batch %s: status is %s, requires %s",
		e.Operation, e.BatchID, e.Current, strings.Join(req, " or "))
}

func (e *InvalidBatchStateError) Unwrap() error { return ErrInvalidBatchState }

// Shortfall is one item that cannot cover its requirement.
type Shortfall struct {
	ItemID    ItemID
	SKU       string
	Name      string
	Unit      Unit
	Required  decimal.Decimal
	Available decimal.Decimal
}

// InsufficientInventoryError lists every short item, not just the first.
type InsufficientInventoryError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientInventoryError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("%s: required %s, available %s", s.ItemID, s.Required, s.Available)
	}
	return "insufficient inventory: " + strings.Join(parts, "; ")
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// TankCapacityExceededError is returned when volume > vessel capacity.
type TankCapacityExceededError struct {
	VesselID  VesselID
	Capacity  decimal.Decimal
	Requested decimal.Decimal
}

func (e *TankCapacityExceededError) Error() string {
	return fmt.Sprintf("vessel %s capacity %s L is below requested %s L", e.VesselID, e.Capacity, e.Requested)
}

func (e *TankCapacityExceededError) Unwrap() error { return ErrTankCapacityExceeded }

// TankUnavailableError is returned when a vessel is not AVAILABLE under lock.
type TankUnavailableError struct {
	VesselID       VesselID
	Status         VesselStatus
	CurrentBatchID *BatchID
}

func (e *TankUnavailableError) Error() string {
	if e.CurrentBatchID != nil {
		return fmt.Sprintf("vessel %s is %s (batch %s)", e.VesselID, e.Status, *e.CurrentBatchID)
	}
	return fmt.Sprintf("vessel %s is %s", e.VesselID, e.Status)
}

func (e *TankUnavailableError) Unwrap() error { return ErrTankUnavailable }

// ConflictError wraps a driver-level conflict so the cause stays inspectable.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrConcurrentModification, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidBatchState):
		return KindInvalidBatchState
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, ErrDuplicateRequest):
		return KindDuplicateRequest
	case errors.Is(err, ErrInsufficientInventory):
		return KindInsufficientInventory
	case errors.Is(err, ErrTankCapacityExceeded):
		return KindTankCapacityExceeded
	case errors.Is(err, ErrTankUnavailable):
		return KindTankUnavailable
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed on a blind retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error needs a new caller decision.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindInvalidBatchState, KindInsufficientInventory,
		KindTankCapacityExceeded, KindTankUnavailable:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
