// Package apperr classifies domain failures so callers can tell a bad request
// from a forbidden one, a state conflict, or a missing record without string
// matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an error.
type Kind string

const (
	Internal     Kind = "internal"
	Validation   Kind = "validation"
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	Conflict     Kind = "conflict"
	NotFound     Kind = "not_found"
)

// Error carries a Kind alongside the message. Sentinels declared with New are
// compared by identity, so errors.Is keeps working after Wrapf adds detail.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string {
	var inner *Error
	if e.Err != nil && !errors.As(e.Err, &inner) {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Wrap attaches kind and message to an underlying cause.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrapf returns an error of the same kind as sentinel whose message appends
// the formatted detail. errors.Is(result, sentinel) reports true.
func Wrapf(sentinel *Error, format string, args ...any) error {
	return &Error{
		Kind: sentinel.Kind,
		Msg:  sentinel.Msg + ": " + fmt.Sprintf(format, args...),
		Err:  sentinel,
	}
}

// Errorf builds a fresh error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of the first *Error in err's chain, or Internal.
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

// HTTPStatus maps a kind to the status code used by the HTTP layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
