// Package fault defines the error taxonomy shared by every engine.
//
// Callers branch on Kind, not on message text. Only Transient and Capacity
// faults are retryable; everything else surfaces to the caller unchanged.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// Validation is a bad input shape or out-of-range value. Never retried.
	Validation Kind = "validation"
	// Policy is a guardrail denial, bias block, or zero-trust denial.
	// Non-retryable by the same caller.
	Policy Kind = "policy"
	// Capacity is a full queue, exhausted pool, or no available actuator.
	// Retry after backoff, bounded by the caller's deadline.
	Capacity Kind = "capacity"
	// Transient is a timeout, 5xx-equivalent, or connection reset on a
	// dependency. Retry with exponential backoff and jitter.
	Transient Kind = "transient"
	// Permanent is an authentication failure or schema mismatch on a
	// dependency. Fail fast and raise a diagnostic event.
	Permanent Kind = "permanent"
	// Integrity is an audit-chain mismatch. Writes stop; reads continue.
	Integrity Kind = "integrity"
	// Partial is a multi-destination broadcast where some subscribers
	// failed. The operation as a whole succeeded.
	Partial Kind = "partial"
)

// Error is the concrete fault type. Op names the operation that failed
// ("fusion.ingest", "dispatch.enqueue"); Details carries structured context
// that audit entries and problem responses surface.
type Error struct {
	Kind    Kind
	Op      string
	Msg     string
	Err     error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fault with a formatted message.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// With returns a copy of e carrying an extra detail field.
func (e *Error) With(key string, value interface{}) *Error {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// KindOf extracts the fault kind from an error chain. Unclassified errors
// report Permanent: an unknown failure must not be silently retried.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Permanent
}

// Retryable reports whether the error is worth retrying at all.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Capacity:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a fault kind to the transport status the API layer emits.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation:
		return http.StatusBadRequest
	case Policy:
		return http.StatusForbidden
	case Capacity:
		return http.StatusTooManyRequests
	case Transient:
		return http.StatusServiceUnavailable
	case Integrity:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
