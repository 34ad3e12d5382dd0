package domain

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeValidation       Code = "VALIDATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeTransient        Code = "TRANSIENT"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeInternal         Code = "INTERNAL"
)

// Error is the domain error type.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a domain error with a code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a domain error that wraps an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is matching by code.
var (
	ErrValidation       = NewError(CodeValidation, "validation failed")
	ErrNotFound         = NewError(CodeNotFound, "not found")
	ErrConflict         = NewError(CodeConflict, "conflict")
	ErrTransient        = NewError(CodeTransient, "temporarily unavailable")
	ErrPermissionDenied = NewError(CodePermissionDenied, "permission denied")

	// ErrSubscriptionClosed is returned when a handle is closed twice.
	ErrSubscriptionClosed = errors.New("subscription already closed")
)

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}

// IsValidation reports whether err should be shown to the user before any
// store call is attempted.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err means the target document is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
