package messaging

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	CodeNotFound   ErrorCode = "NOT_FOUND"
	CodeForbidden  ErrorCode = "FORBIDDEN"
	CodeValidation ErrorCode = "VALIDATION"
	CodeConflict   ErrorCode = "CONFLICT"
	CodeInternal   ErrorCode = "INTERNAL"
)

// Error is the structured error returned by every Service operation.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("messaging: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("messaging: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on code so callers can test against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotFound   = &Error{Code: CodeNotFound, Reason: "not found"}
	ErrForbidden  = &Error{Code: CodeForbidden, Reason: "forbidden"}
	ErrValidation = &Error{Code: CodeValidation, Reason: "validation failed"}
	ErrConflict   = &Error{Code: CodeConflict, Reason: "conflict"}
	ErrInternal   = &Error{Code: CodeInternal, Reason: "internal error"}
)

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func notFound(reason string) *Error   { return newError(CodeNotFound, reason, nil) }
func forbidden(reason string) *Error  { return newError(CodeForbidden, reason, nil) }
func invalid(reason string) *Error    { return newError(CodeValidation, reason, nil) }
func internal(reason string, err error) *Error {
	return newError(CodeInternal, reason, err)
}

// CodeOf returns the taxonomy code of err, CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf returns the caller-facing reason of err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return "internal error"
}

// HTTPStatus maps an error code onto a response status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
