package service

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure. Validation and reference failures are
// detected before any write; forbidden and state failures are the
// authorization/state class and only differ in how callers report them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindReference  Kind = "reference"
	KindForbidden  Kind = "forbidden"
	KindState      Kind = "state"
)

// Error is the error type returned by every service operation.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &Error{Kind: KindReference, Message: fmt.Sprintf(format, args...)}
}

func forbiddenf(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func statef(format string, args ...any) error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is not a service error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool { return KindOf(err) == KindReference }
func IsForbidden(err error) bool { return KindOf(err) == KindForbidden }
func IsState(err error) bool { return KindOf(err) == KindState }
