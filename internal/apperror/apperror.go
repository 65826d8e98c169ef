// Package apperror implements the closed error taxonomy of the data API:
// a small set of named error kinds, each mapped to one HTTP status code,
// plus the propagation rules for wrapping storage/internal failures.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error kinds the API ever returns.
type Kind string

const (
	KindInvalidParametersFormat Kind = "invalid-parameters-format"
	KindInvalidOperation        Kind = "invalid-operation"
	KindUnknownReferencedResource Kind = "unknown-referenced-resource"
	KindInvalidRequestStructure Kind = "invalid-request-structure"
	KindInvalidAccessToken      Kind = "invalid-access-token"
	KindInvalidCredentials      Kind = "invalid-credentials"
	KindForbidden               Kind = "forbidden"
	KindUnknownResource         Kind = "unknown-resource"
	KindItemAlreadyExists       Kind = "item-already-exists"
	KindGone                    Kind = "gone"
	KindUnsupportedContentType  Kind = "unsupported-content-type"
	KindTooManyResults          Kind = "too-many-results"
	KindUnexpected              Kind = "unexpected-error"
)

// HTTPStatus maps a Kind to the HTTP status code of spec.md §7.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidParametersFormat, KindInvalidOperation, KindUnknownReferencedResource, KindInvalidRequestStructure:
		return http.StatusBadRequest
	case KindInvalidAccessToken, KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindUnknownResource:
		return http.StatusNotFound
	case KindItemAlreadyExists:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindUnsupportedContentType:
		return http.StatusUnsupportedMediaType
	case KindTooManyResults:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error the dispatcher and transports operate on.
type Error struct {
	KindValue Kind           `json:"id"`
	Message   string         `json:"message"`
	Data      any            `json:"data,omitempty"`
	SubErrors []*Error       `json:"subErrors,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.KindValue, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.KindValue, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error kind, defaulting to unexpectedError for nil-safety
// when called through the As helper on a non-*Error value.
func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnexpected
	}
	return e.KindValue
}

// New builds an *Error of the given kind.
func New(kind Kind, message string, data ...any) *Error {
	e := &Error{KindValue: kind, Message: message}
	if len(data) > 0 {
		e.Data = data[0]
	}
	return e
}

// Wrap attaches a kind and message to an underlying cause, preserving it for
// %w-style unwrapping and logging, but never leaking it to the client beyond
// the Message string callers choose to set.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{KindValue: kind, Message: message, cause: cause}
}

// As extracts an *Error from err, or returns nil if err doesn't carry one.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// FromStorage classifies a raw storage error per the propagation policy of
// spec.md §7: recognized uniqueness violations become ItemAlreadyExists with
// the offending keys attached, everything else becomes unexpectedError.
func FromStorage(err error, uniqueKeys ...string) *Error {
	if err == nil {
		return nil
	}
	if existing := As(err); existing != nil {
		return existing
	}
	var dup DuplicateKeyError
	if errors.As(err, &dup) {
		data := map[string]any{"keys": dup.Keys}
		return New(KindItemAlreadyExists, "a resource with this key already exists", data)
	}
	return Wrap(err, KindUnexpected, "internal storage error")
}

// DuplicateKeyError is returned by storage backends when a uniqueness
// constraint (stream name per parent, event id, access token per user,
// followed-slice name/url+token, user email/username) is violated. Storage
// implementations construct this directly; FromStorage recognizes it.
type DuplicateKeyError struct {
	Keys []string
}

func (d DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key: %v", d.Keys)
}
