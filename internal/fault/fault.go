// Package fault defines the error taxonomy shared by every boundary of the
// pipeline. External clients (object store, broker, ASR engine, sink) return
// opaque errors; each adapter maps them into a Fault at the boundary so the
// producer and worker can decide between retry, requeue, and drop without
// inspecting provider-specific error types.
package fault

import (
	"errors"
	"fmt"
)

// Class is a machine-readable fault classification.
type Class string

const (
	// ClassAccess indicates invalid credentials or missing permissions. Fatal.
	ClassAccess Class = "ACCESS"
	// ClassNotFound indicates a missing bucket or object. Fatal for the item.
	ClassNotFound Class = "NOT_FOUND"
	// ClassTransient indicates a temporary condition (network, rate limit,
	// timeout) worth retrying with backoff.
	ClassTransient Class = "TRANSIENT"
	// ClassPermanent indicates malformed input or a non-retryable provider
	// rejection. The item is dropped, never retried.
	ClassPermanent Class = "PERMANENT"
	// ClassReferenceExpired indicates the presigned reference outlived its
	// validity window. Permanent for the item.
	ClassReferenceExpired Class = "REFERENCE_EXPIRED"
	// ClassBrokerUnavailable indicates the broker connection is down. The
	// owner reconnects with backoff.
	ClassBrokerUnavailable Class = "BROKER_UNAVAILABLE"
)

// Fault is the unified classified error type.
type Fault struct {
	// Class is the fault classification driving retry/ack decisions.
	Class Class
	// Message is a human-readable description.
	Message string
	// Cause is the underlying provider error.
	Cause error
}

// Error returns the string representation of the fault.
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", f.Class, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Message)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error { return f.Cause }

// WithCause sets the underlying cause and returns the receiver.
func (f *Fault) WithCause(cause error) *Fault {
	f.Cause = cause
	return f
}

// New creates a fault with the given class and message.
func New(class Class, format string, args ...interface{}) *Fault {
	return &Fault{Class: class, Message: fmt.Sprintf(format, args...)}
}

// --- Constructors ---

// Access creates an ACCESS fault.
func Access(message string, cause error) *Fault {
	return &Fault{Class: ClassAccess, Message: message, Cause: cause}
}

// NotFound creates a NOT_FOUND fault.
func NotFound(message string, cause error) *Fault {
	return &Fault{Class: ClassNotFound, Message: message, Cause: cause}
}

// Transient creates a TRANSIENT fault.
func Transient(message string, cause error) *Fault {
	return &Fault{Class: ClassTransient, Message: message, Cause: cause}
}

// Permanent creates a PERMANENT fault.
func Permanent(message string, cause error) *Fault {
	return &Fault{Class: ClassPermanent, Message: message, Cause: cause}
}

// ReferenceExpired creates a REFERENCE_EXPIRED fault.
func ReferenceExpired(message string) *Fault {
	return &Fault{Class: ClassReferenceExpired, Message: message}
}

// BrokerUnavailable creates a BROKER_UNAVAILABLE fault.
func BrokerUnavailable(message string, cause error) *Fault {
	return &Fault{Class: ClassBrokerUnavailable, Message: message, Cause: cause}
}

// --- Classification helpers ---

// ClassOf returns the classification of err. Unclassified errors are treated
// as permanent so they can never cause an unbounded redelivery loop.
func ClassOf(err error) Class {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	return ClassPermanent
}

// IsRetryable reports whether err is worth retrying in place.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassTransient, ClassBrokerUnavailable:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsTerminal reports whether err represents a terminal per-item outcome:
// the work item should be acknowledged and dropped rather than redelivered.
func IsTerminal(err error) bool {
	switch ClassOf(err) {
	case ClassPermanent, ClassReferenceExpired, ClassNotFound, ClassAccess:
		return true
	default:
		return false
	}
}
