// Package errs defines the typed error taxonomy that crosses the
// Router/Server boundary into the transport layer (wire frames, HTTP
// responses). Each Code maps 1:1 onto an error code in spec.md §6/§7.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure surfaced to a client.
type Code string

const (
	CodeInvalidQuery    Code = "INVALID_QUERY"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeInvalidResource Code = "INVALID_RESOURCE"
	CodeNotFound        Code = "NOT_FOUND"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeConflict        Code = "CONFLICT"
	CodeInternal        Code = "INTERNAL_SERVER_ERROR"
)

// Error is a typed, non-retriable (except CodeInternal) failure raised by
// the router/server and translated verbatim into wire ERROR frames or HTTP
// error bodies by the transport layer.
type Error struct {
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) *Error {
	return New(CodeUnauthorized, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func InvalidResource(format string, args ...any) *Error {
	return New(CodeInvalidResource, format, args...)
}

func InvalidQuery(format string, args ...any) *Error {
	return New(CodeInvalidQuery, format, args...)
}

func InvalidRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(CodeInternal, format, args...)
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
