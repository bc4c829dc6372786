// Package cerr implements the CIS error taxonomy (spec §7): a small set of
// typed error kinds shared by every subsystem so callers can classify a
// failure without parsing strings.
package cerr

import "fmt"

// Kind is one of the abstract error kinds named in spec §7.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not_found"
	KindInvalidInput  Kind = "invalid_input"
	KindInvalidState  Kind = "invalid_state"
	KindResourceLimit Kind = "resource_limit"
	KindTimeout       Kind = "timeout"
	KindUnavailable   Kind = "unavailable"
	KindVerification  Kind = "verification"
	KindConflict      Kind = "conflict"
	KindInternal      Kind = "internal"
)

// Error is the structured error value propagated across subsystem
// boundaries. Component names the subsystem that raised it (e.g.
// "skillplane.sandbox", "dagscheduler", "federation.handshake").
type Error struct {
	Kind      Kind
	Component string
	Detail    string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, cerr.KindX) style checks by comparing Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, component, detail string) *Error {
	return &Error{Kind: kind, Component: component, Detail: detail}
}

// Wrap constructs an *Error around an existing error.
func Wrap(kind Kind, component, detail string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Detail: detail, Cause: cause}
}

// Sentinel returns a zero-detail *Error of the given kind, useful as an
// errors.Is target: `errors.Is(err, cerr.Sentinel(cerr.KindNotFound))`.
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
