package errors

import (
	stderrors "errors"
	"fmt"
)

// Category represents the type of error.
type Category string

const (
	CategoryConfig Category = "config"
	CategoryServer Category = "server"
	CategoryCLI    Category = "cli"
)

// BridgeError is a structured error with a code, explanation and hint.
type BridgeError struct {
	// Code is a unique error identifier (e.g., "W001").
	Code string

	// Category is the error type.
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of this occurrence.
	Detail string

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *BridgeError) Unwrap() error {
	return e.Wrapped
}

// WithDetail adds a detailed explanation to the error.
func (e *BridgeError) WithDetail(d string) *BridgeError {
	e.Detail = d
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *BridgeError) WithSuggestion(s string) *BridgeError {
	e.Suggestion = s
	return e
}

// Wrap wraps another error.
func (e *BridgeError) Wrap(err error) *BridgeError {
	e.Wrapped = err
	return e
}

// New creates a BridgeError from a registered error code.
func New(code string) *BridgeError {
	template, ok := registry[code]
	if !ok {
		return &BridgeError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &BridgeError{
		Code:     code,
		Category: template.Category,
		Message:  template.Message,
		Detail:   template.Detail,
	}
}

// Newf creates a BridgeError with a formatted message and no code.
func Newf(category Category, format string, args ...any) *BridgeError {
	return &BridgeError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError returns err as a BridgeError, wrapping it under code when it is
// not one already.
func FromError(err error, code string) *BridgeError {
	if err == nil {
		return nil
	}
	var be *BridgeError
	if stderrors.As(err, &be) {
		return be
	}
	return New(code).Wrap(err)
}
