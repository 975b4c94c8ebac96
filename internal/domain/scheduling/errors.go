package scheduling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind classifies lifecycle failures. Each Kind is itself an error so callers can
// write errors.Is(err, scheduling.ErrVersionConflict).
type Kind string

const (
	ErrNotFound                 Kind = "not_found"
	ErrIllegalTransition        Kind = "illegal_transition"
	ErrMissingReason            Kind = "missing_reason"
	ErrForbidden                Kind = "forbidden"
	ErrVersionConflict          Kind = "version_conflict"
	ErrInvalidStateForOperation Kind = "invalid_state_for_operation"
	ErrIndeterminate            Kind = "indeterminate"
)

func (k Kind) Error() string { return strings.ReplaceAll(string(k), "_", " ") }

// Retryable reports whether re-reading and resubmitting may succeed.
func (k Kind) Retryable() bool {
	return k == ErrVersionConflict || k == ErrIndeterminate
}

// Storage-layer sentinels returned by Store implementations.
var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrVersionMismatch     = errors.New("appointment version mismatch")
)

// Error is returned by every Manager operation that rejects a request.
type Error struct {
	Kind            Kind
	Op              string
	AppointmentID   uuid.UUID
	Current         Status
	Requested       Status
	ExpectedVersion int
	ActualVersion   int
	Role            string
	Err             error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s appointment %s: %s", e.Op, e.AppointmentID, e.Kind.Error())
	switch e.Kind {
	case ErrIllegalTransition:
		fmt.Fprintf(&b, " (%s -> %s)", e.Current, e.Requested)
	case ErrMissingReason:
		if e.Requested != "" {
			fmt.Fprintf(&b, " (reason required for %s -> %s)", e.Current, e.Requested)
		}
	case ErrForbidden:
		fmt.Fprintf(&b, " (role %q required)", e.Role)
	case ErrVersionConflict:
		if e.ActualVersion > 0 {
			fmt.Fprintf(&b, " (expected version %d, current %d)", e.ExpectedVersion, e.ActualVersion)
		} else {
			fmt.Fprintf(&b, " (expected version %d)", e.ExpectedVersion)
		}
	case ErrInvalidStateForOperation:
		fmt.Fprintf(&b, " (status %s)", e.Current)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or "" when err is not a lifecycle error.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

// ValidationError reports malformed input caught before any storage access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
