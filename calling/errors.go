/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 VueSip Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
)

// CallControlError is the base error type for call-control failures. The
// specific sub-types embed this struct, so consumers can use
// errors.As(err, &ccErr) to access common fields regardless of the
// specific error type. The Message alone is the user-facing text; Op is
// diagnostic context.
type CallControlError struct {
	// Op is the operation that failed (e.g. "TransferController.cancelTransfer").
	Op string

	// Message is the user-facing error text.
	Message string

	// Err is an optional wrapped cause for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *CallControlError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *CallControlError) Unwrap() error {
	return e.Err
}

// --- Specific error sub-types ---

// PreconditionError is returned when an operation is invoked in a state
// that does not permit it (no active transfer, controller closed, no
// resolver configured).
type PreconditionError struct {
	*CallControlError
}

// Unwrap returns the underlying CallControlError for errors.As traversal.
func (e *PreconditionError) Unwrap() error { return e.CallControlError }

// NotFoundError is returned when a call id does not resolve to a live
// session in the registry.
type NotFoundError struct {
	*CallControlError

	// CallID is the id that failed to resolve.
	CallID string
}

// Unwrap returns the underlying CallControlError for errors.As traversal.
func (e *NotFoundError) Unwrap() error { return e.CallControlError }

// NotImplementedError is returned when the transport session behind a
// CallSession does not implement the capability an operation needs.
type NotImplementedError struct {
	*CallControlError

	// Capability is the facade method the transport lacks.
	Capability string
}

// Unwrap returns the underlying CallControlError for errors.As traversal.
func (e *NotImplementedError) Unwrap() error { return e.CallControlError }

// ConflictError is returned when starting a transfer while another one
// is still outstanding.
type ConflictError struct {
	*CallControlError
}

// Unwrap returns the underlying CallControlError for errors.As traversal.
func (e *ConflictError) Unwrap() error { return e.CallControlError }

// OperationFailureError is returned when the transport accepted an
// operation but reported a failure executing it.
type OperationFailureError struct {
	*CallControlError
}

// Unwrap returns the underlying CallControlError for errors.As traversal.
func (e *OperationFailureError) Unwrap() error { return e.CallControlError }

// --- Factories ---

// NewPreconditionError creates a PreconditionError with the given
// user-facing message.
func NewPreconditionError(op, message string) *PreconditionError {
	return &PreconditionError{
		CallControlError: &CallControlError{Op: op, Message: message},
	}
}

// NewNotFoundError creates a NotFoundError for the given call id.
func NewNotFoundError(op, callID string) *NotFoundError {
	return &NotFoundError{
		CallControlError: &CallControlError{
			Op:      op,
			Message: fmt.Sprintf("call %s not found", callID),
		},
		CallID: callID,
	}
}

// NewNotImplementedError creates a NotImplementedError naming the facade
// method the transport does not support.
func NewNotImplementedError(capability string) *NotImplementedError {
	return &NotImplementedError{
		CallControlError: &CallControlError{
			Op:      "CallSession." + capability,
			Message: fmt.Sprintf("CallSession.%s() is not implemented", capability),
		},
		Capability: capability,
	}
}

// NewConflictError creates a ConflictError with the given user-facing
// message.
func NewConflictError(op, message string) *ConflictError {
	return &ConflictError{
		CallControlError: &CallControlError{Op: op, Message: message},
	}
}

// NewOperationFailureError creates an OperationFailureError wrapping the
// transport cause.
func NewOperationFailureError(op, message string, cause error) *OperationFailureError {
	return &OperationFailureError{
		CallControlError: &CallControlError{Op: op, Message: message, Err: cause},
	}
}

// --- Convenience functions ---

// IsPreconditionError reports whether err is a precondition failure.
func IsPreconditionError(err error) bool {
	var e *PreconditionError
	return errors.As(err, &e)
}

// IsNotFoundError reports whether err is a call-not-found failure.
func IsNotFoundError(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsNotImplementedError reports whether err is a missing-capability
// failure.
func IsNotImplementedError(err error) bool {
	var e *NotImplementedError
	return errors.As(err, &e)
}

// IsConflictError reports whether err is a concurrent-transfer conflict.
func IsConflictError(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsOperationFailureError reports whether err is a transport execution
// failure.
func IsOperationFailureError(err error) bool {
	var e *OperationFailureError
	return errors.As(err, &e)
}
