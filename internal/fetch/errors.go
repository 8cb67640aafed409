package fetch

import (
	"errors"
	"fmt"
)

// Class buckets provider failures into the categories the scheduler
// reacts to. Only Transient is retried locally.
type Class int

const (
	// ClassRateLimited means the provider itself throttled the call.
	// Distinct from a local admission denial; the scheduler backs off a
	// whole window instead of retrying this cycle.
	ClassRateLimited Class = iota

	// ClassNotFound means the symbol or resource is unknown upstream.
	ClassNotFound

	// ClassTransient covers timeouts, 5xx responses and connection
	// resets. Retried with backoff.
	ClassTransient

	// ClassMalformed means the payload could not be parsed.
	ClassMalformed
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassNotFound:
		return "not_found"
	case ClassTransient:
		return "transient"
	case ClassMalformed:
		return "malformed"
	}
	return "unknown"
}

// Error is a classified provider failure.
type Error struct {
	Class  Class
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Symbol, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the failure class from err. The second return is
// false when err is not a classified fetch error.
func ClassOf(err error) (Class, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class, true
	}
	return 0, false
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	c, ok := ClassOf(err)
	return ok && c == ClassTransient
}
