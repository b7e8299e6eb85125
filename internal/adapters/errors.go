// Package adapters holds the external adapter layer: idempotent, retrying
// gateways to the mail provider, credit scrapers, the AI letter writer, the
// payment processor, and notification providers. Adapters never touch
// persistence; they return values and the task handler writes.
package adapters

import (
	"errors"
	"fmt"
)

// Class is the failure classification every adapter call resolves to.
type Class int

const (
	// ClassTransient failures are retried within the task's budget.
	ClassTransient Class = iota
	// ClassPermanent failures dead-letter the task immediately.
	ClassPermanent
	// ClassPolicyBlocked failures are never retried and surface a blocked
	// event requiring staff action.
	ClassPolicyBlocked
	// ClassCancelled is cooperative cancellation; terminal, not retried.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "TRANSIENT"
	case ClassPermanent:
		return "PERMANENT"
	case ClassPolicyBlocked:
		return "POLICY_BLOCKED"
	case ClassCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Error is a classified adapter failure.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) *Error {
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(op string, err error) *Error {
	return &Error{Class: ClassPermanent, Op: op, Err: err}
}

// PolicyBlocked wraps err as blocked-pending-staff-action.
func PolicyBlocked(op string, err error) *Error {
	return &Error{Class: ClassPolicyBlocked, Op: op, Err: err}
}

// Cancelled wraps err as cooperatively cancelled.
func Cancelled(op string, err error) *Error {
	return &Error{Class: ClassCancelled, Op: op, Err: err}
}

// ClassOf extracts the classification; unclassified errors default to
// Transient so unknown infrastructure failures get the retry budget.
func ClassOf(err error) Class {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	return ClassTransient
}
