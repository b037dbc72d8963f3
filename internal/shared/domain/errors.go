package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable, caller-visible classification of a failure.
// Codes are part of the public API contract and must never be renamed.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeAuthRequired      ErrorCode = "AUTH_REQUIRED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeNoCredentials     ErrorCode = "NO_CREDENTIALS"
	CodeRefreshFailed     ErrorCode = "REFRESH_FAILED"
	CodeUnavailable       ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeCommitFailed      ErrorCode = "COMMIT_FAILED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// CodedError wraps an error with a stable error code. Callers switch on the
// code; the wrapped error carries the context for logs and the journal.
type CodedError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *CodedError) Unwrap() error { return e.Err }

// NewCodedError creates a coded error with a formatted message.
func NewCodedError(code ErrorCode, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapCoded attaches a code to an existing error.
func WrapCoded(code ErrorCode, err error, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ErrValidation creates a VALIDATION_ERROR.
func ErrValidation(format string, args ...any) *CodedError {
	return NewCodedError(CodeValidation, format, args...)
}

// ErrNotFound creates a NOT_FOUND error.
func ErrNotFound(format string, args ...any) *CodedError {
	return NewCodedError(CodeNotFound, format, args...)
}

// ErrInvalidTransition creates an INVALID_TRANSITION error.
func ErrInvalidTransition(format string, args ...any) *CodedError {
	return NewCodedError(CodeInvalidTransition, format, args...)
}

// ErrInternal creates an INTERNAL_ERROR wrapping the cause.
func ErrInternal(err error, format string, args ...any) *CodedError {
	return WrapCoded(CodeInternal, err, format, args...)
}

// CodeOf returns the error code of err, or CodeInternal when err carries none.
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
