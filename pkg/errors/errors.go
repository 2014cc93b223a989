package errors

import (
	"errors"
	"fmt"
)

// Code is a standardized, stable error classification.
type Code string

const (
	CodeNotFound    Code = "NOT_FOUND"
	CodeInvalid     Code = "INVALID_ARGUMENT"
	CodeInternal    Code = "INTERNAL"
	CodeBackend     Code = "BACKEND_UNAVAILABLE"
	CodeRateLimited Code = "RATE_LIMITED"
)

// AppError is the standard structured error used across the system.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message.
func New(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches a message to err, classifying it as internal unless err is
// already an *AppError, in which case its code is preserved.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return New(ae.Code, message+": "+ae.Message, ae.Err)
	}
	return New(CodeInternal, message, err)
}

// Is reports whether err (or any error it wraps) carries the given code.
func Is(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
