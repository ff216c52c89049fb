package versync

import (
	"errors"
	"fmt"
	"net/http"
)

type (
	// Error is the closed, serializable error shape returned to callers.
	// Storage errors never cross this boundary unwrapped; see AsError.
	Error struct {
		Code    ErrorCode      `json:"code"`
		Message string         `json:"message"`
		Kind    ErrorKind      `json:"kind"`
		Path    string         `json:"path,omitempty"`
		Details map[string]any `json:"details,omitempty"`
	}

	ErrorCode string
	ErrorKind string
)

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindAdapter    ErrorKind = "adapter"
	KindInternal   ErrorKind = "internal"
	KindForbidden  ErrorKind = "forbidden"
	KindAuth       ErrorKind = "unauthorized"
)

const (
	CodeInvalidQuery          ErrorCode = "INVALID_QUERY"
	CodeInvalidWrite          ErrorCode = "INVALID_WRITE"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeConflict              ErrorCode = "CONFLICT"
	CodeAdapterNotImplemented ErrorCode = "ADAPTER_NOT_IMPLEMENTED"
	CodeInternal              ErrorCode = "INTERNAL"
	CodeForbidden             ErrorCode = "FORBIDDEN"
	CodeUnauthorized          ErrorCode = "UNAUTHORIZED"
)

// Sentinel errors reported by storage adapters. The engine translates them
// into *Error values; they are never returned to protocol callers as-is.
var (
	ErrRowNotFound     = errors.New("row not found")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrVersionMismatch = errors.New("version mismatch")
)

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (path=%s)", e.Code, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code ErrorCode, kind ErrorKind, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InvalidQuery reports a malformed query input located at path.
func InvalidQuery(path, format string, args ...any) *Error {
	e := newError(CodeInvalidQuery, KindValidation, format, args...)
	e.Path = path
	return e
}

// InvalidWrite reports a malformed or unversioned write located at path.
func InvalidWrite(path, format string, args ...any) *Error {
	e := newError(CodeInvalidWrite, KindValidation, format, args...)
	e.Path = path
	return e
}

func NotFound(resource, id string) *Error {
	return newError(CodeNotFound, KindNotFound, "%s %q not found", resource, id)
}

// Conflict carries the stored state so the client can rebase.
func Conflict(resource, id string, currentVersion int64, currentValue Row) *Error {
	e := newError(CodeConflict, KindConflict, "%s %q is at version %d", resource, id, currentVersion)
	e.Details = map[string]any{
		"currentVersion": currentVersion,
		"currentValue":   currentValue,
	}
	return e
}

func AdapterNotImplemented(primitive string) *Error {
	return newError(CodeAdapterNotImplemented, KindAdapter, "storage adapter does not implement %s", primitive)
}

func Internal(format string, args ...any) *Error {
	return newError(CodeInternal, KindInternal, format, args...)
}

func Forbidden(resource string) *Error {
	return newError(CodeForbidden, KindForbidden, "access to %s denied", resource)
}

func Unauthorized() *Error {
	return newError(CodeUnauthorized, KindAuth, "missing or invalid %s header", authorizationHeader)
}

// AsError returns the *Error carried by err, or a generic INTERNAL error
// with no detail from err when the chain holds none.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal error")
}

func isKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsConflict returns true if err is a version conflict.
func IsConflict(err error) bool { return isKind(err, KindConflict) }

// IsNotFound returns true if err is a missing-row error.
func IsNotFound(err error) bool { return isKind(err, KindNotFound) }

// IsValidation returns true if err is an input validation error.
func IsValidation(err error) bool { return isKind(err, KindValidation) }

// ConflictState extracts the current version and value from a conflict.
func ConflictState(err error) (int64, Row, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindConflict {
		return 0, nil, false
	}
	version, ok := toInt64(e.Details["currentVersion"])
	if !ok {
		return 0, nil, false
	}
	value, _ := asRow(e.Details["currentValue"])
	return version, value, true
}

// HTTPStatus maps an error kind onto a response status.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindAuth:
		return http.StatusUnauthorized
	case KindAdapter:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
