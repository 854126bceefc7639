// Package apperr defines the closed set of failure kinds every core operation
// reports. Messages are safe to show across the trust boundary; storage errors
// are wrapped and surface only as Internal.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable failure category.
type Kind string

const (
	Unauthenticated    Kind = "Unauthenticated"
	NoActiveMembership Kind = "NoActiveMembership"
	Forbidden          Kind = "Forbidden"
	NotFound           Kind = "NotFound"
	ValidationFailed   Kind = "ValidationFailed"
	InvalidTransition  Kind = "InvalidTransition"
	DoubleBooked       Kind = "DoubleBooked"
	BalanceExceeded    Kind = "BalanceExceeded"
	InsufficientStock  Kind = "InsufficientStock"
	ImmutableState     Kind = "ImmutableState"
	Internal           Kind = "Internal"
)

// Error is a typed failure. Field is set for ValidationFailed when a single
// input field is at fault.
type Error struct {
	Kind    Kind
	Message string
	Field   string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Invalid reports a field-level validation failure.
func Invalid(field, msg string) *Error {
	return &Error{Kind: ValidationFailed, Field: field, Message: msg}
}

// NotFoundf builds a NotFound error. Rows belonging to another tenant are
// reported the same way as absent rows.
func NotFoundf(entity string) *Error {
	return &Error{Kind: NotFound, Message: entity + " not found"}
}

// KindOf extracts the Kind of err. Untyped errors are Internal; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the typed error, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
