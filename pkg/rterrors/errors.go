// Package rterrors defines the error kinds shared across the runtime:
// container/pod controllers, the process supervisor, the archive extractor
// and the EXT4 formatter all classify failures into one of these kinds so
// that callers can branch on Kind() instead of string-matching messages.
package rterrors

import "fmt"

// Kind identifies the class of failure. Kind values are not error types
// themselves; use Is/KindOf to inspect a wrapped error.
type Kind string

const (
	// NotFound indicates a missing container, image layer, or archive entry.
	NotFound Kind = "not_found"
	// Unsupported indicates a capability missing on this host.
	Unsupported Kind = "unsupported"
	// InvalidArgument indicates a bad configuration value.
	InvalidArgument Kind = "invalid_argument"
	// Internal indicates the guest agent returned a structured failure.
	Internal Kind = "internal_error"
	// IO indicates a host-side I/O failure.
	IO Kind = "io_error"
	// PathRejected is non-fatal; it accumulates in the extractor's return value.
	PathRejected Kind = "path_rejected"
	// Format indicates EXT4 corruption, an unsupported tar format, or an
	// unknown compression filter.
	Format Kind = "format_error"
	// StateConflict indicates an operation disallowed in the current state.
	StateConflict Kind = "state_conflict"
)

// Error is a kind-tagged error carrying an optional context string.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Context == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a Error of the given kind with a context message.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap creates a Error of the given kind wrapping cause, with a context message.
func Wrap(kind Kind, cause error, context string) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// Wrapf creates a Error of the given kind wrapping cause, with a formatted context message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var rerr *Error
	if as(err, &rerr) {
		return rerr.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
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
