package errors

import (
	"errors"
	"fmt"
)

// Standard error codes shared across packages.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidArg     = "INVALID_ARGUMENT"
	CodeConflict       = "CONFLICT"
	CodeInternal       = "INTERNAL"
	CodeForbidden      = "FORBIDDEN"
	CodeUnavailable    = "UNAVAILABLE"
	CodeDeadlineExceed = "DEADLINE_EXCEEDED"
)

// AppError is the structured error type used throughout the pipeline.
// It carries a stable Code for programmatic handling, a human-readable
// Message, and an optional wrapped Cause.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

// New creates an AppError with the given code, message and optional cause.
func New(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap annotates err with a message, preserving its code if it is already
// an AppError, defaulting to CodeInternal otherwise.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	code := CodeInternal
	var ae *AppError
	if errors.As(err, &ae) {
		code = ae.Code
	}
	return &AppError{Code: code, Message: message, Cause: err}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, &AppError{Code: ...}) style comparisons by code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NotFound creates a CodeNotFound error.
func NotFound(message string, cause error) *AppError {
	return New(CodeNotFound, message, cause)
}

// InvalidArgument creates a CodeInvalidArg error.
func InvalidArgument(message string, cause error) *AppError {
	return New(CodeInvalidArg, message, cause)
}

// Conflict creates a CodeConflict error.
func Conflict(message string, cause error) *AppError {
	return New(CodeConflict, message, cause)
}

// Internal creates a CodeInternal error.
func Internal(message string, cause error) *AppError {
	return New(CodeInternal, message, cause)
}

// Forbidden creates a CodeForbidden error.
func Forbidden(message string, cause error) *AppError {
	return New(CodeForbidden, message, cause)
}

// Unavailable creates a CodeUnavailable error, used for upstream/store
// outages that should be retried by the caller.
func Unavailable(message string, cause error) *AppError {
	return New(CodeUnavailable, message, cause)
}

// Is reports whether err's chain contains an AppError with matching code.
func Is(err error, code string) bool {
	var ae *AppError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}

// As is a re-export of the standard library helper so callers only need to
// import this package for AppError-related error inspection.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
