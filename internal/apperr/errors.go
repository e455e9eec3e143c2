package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable failure category reported to callers.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindForbidden    Kind = "forbidden"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindStorage      Kind = "storage"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrStorage      = &Error{Kind: KindStorage}
)

func Validation(msg string) error   { return &Error{Kind: KindValidation, Message: msg} }
func NotFound(msg string) error     { return &Error{Kind: KindNotFound, Message: msg} }
func Forbidden(msg string) error    { return &Error{Kind: KindForbidden, Message: msg} }
func Conflict(msg string) error     { return &Error{Kind: KindConflict, Message: msg} }
func Unauthorized(msg string) error { return &Error{Kind: KindUnauthorized, Message: msg} }

// Storage wraps a backing store failure. A nil cause returns nil.
func Storage(msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: KindStorage, Message: msg, Cause: cause}
}

// KindOf extracts the kind of err; anything unclassified counts as storage.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// MessageOf returns the caller-facing message without the wrapped cause.
// Storage labels stay internal.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindStorage && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps err onto the response status used by the transport.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
