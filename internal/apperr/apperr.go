// Package apperr defines the failure kinds surfaced to API callers and the
// mapping from storage sentinels onto them.
package apperr

import (
	stderrors "errors"
	"net/http"

	pkgerrors "github.com/pkg/errors"

	"retailcore/internal/store"
)

type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindInsufficientSupply Kind = "insufficient_supply"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindConflict           Kind = "conflict"
	KindRateLimited        Kind = "rate_limited"
	KindStorage            Kind = "storage_error"
)

func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindInsufficientSupply:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil && e.Kind == KindStorage {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func Validation(message string) *Error {
	return newError(KindValidation, message, nil)
}

func NotFound(message string) *Error {
	return newError(KindNotFound, message, store.ErrNotFound)
}

func InsufficientSupply(message string) *Error {
	return newError(KindInsufficientSupply, message, store.ErrInsufficientSupply)
}

func Unauthorized(message string) *Error {
	return newError(KindUnauthorized, message, nil)
}

func Forbidden(message string) *Error {
	return newError(KindForbidden, message, nil)
}

func Conflict(message string) *Error {
	return newError(KindConflict, message, store.ErrDuplicate)
}

func RateLimited(message string) *Error {
	return newError(KindRateLimited, message, nil)
}

// Storage wraps err with the call-site stack.
func Storage(err error) *Error {
	return newError(KindStorage, "storage failure", pkgerrors.WithStack(err))
}

// From classifies err. Unknown errors are treated as storage failures.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr
	}
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		return NotFound(err.Error())
	case stderrors.Is(err, store.ErrInsufficientSupply):
		return InsufficientSupply(err.Error())
	case stderrors.Is(err, store.ErrDuplicate):
		return Conflict(err.Error())
	case stderrors.Is(err, store.ErrInvalid):
		return Validation(err.Error())
	}
	return Storage(err)
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
