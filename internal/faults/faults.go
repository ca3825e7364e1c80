// Package faults defines the error taxonomy shared by the settlement flow
// and its adapters.
//
// Validation and Conflict surface to API callers. Unavailable is retryable
// and always leaves the order in its pre-transition state. Rejected needs
// human correction. Inconsistent halts automatic transitions for the order.
package faults

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input. No state was changed.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports a failed transition guard. State carries the concrete
// conflicting order status so callers see what actually blocked them.
type ConflictError struct {
	Op    string
	State string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s: order is in state %s", e.Op, e.State)
}

// Conflict builds a ConflictError.
func Conflict(op, state string) error {
	return &ConflictError{Op: op, State: state}
}

// UnavailableError reports an unreachable adapter. The operation may be
// retried; the order was left in its pre-transition state.
type UnavailableError struct {
	Adapter string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Adapter, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as an UnavailableError.
func Unavailable(adapter string, err error) error {
	return &UnavailableError{Adapter: adapter, Err: err}
}

// RejectedError reports an explicit refusal by an adapter, e.g. an invalid
// wallet address. Retrying without correction will fail again.
type RejectedError struct {
	Adapter string
	Reason  string
	Err     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected request: %s", e.Adapter, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Rejected wraps err as a RejectedError.
func Rejected(adapter, reason string, err error) error {
	return &RejectedError{Adapter: adapter, Reason: reason, Err: err}
}

// InconsistentError reports an on-chain/off-chain mismatch found during
// reconciliation. The order must be flagged for manual review; automatic
// transitions stop.
type InconsistentError struct {
	OrderID string
	Detail  string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("inconsistent state for order %s: %s", e.OrderID, e.Detail)
}

// Inconsistent builds an InconsistentError.
func Inconsistent(orderID, detail string) error {
	return &InconsistentError{OrderID: orderID, Detail: detail}
}

// IsRetryable reports whether the operation may be re-attempted as-is.
func IsRetryable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
