// Package errors provides typed application errors for the orchestration
// engine. Errors carry a kind so callers can branch on failure class without
// string matching, and wrap an underlying cause for errors.Is / errors.As.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds as constants.
const (
	KindConfiguration = "CONFIGURATION"
	KindProtocol      = "PROTOCOL"
	KindTransport     = "TRANSPORT"
	KindTimeout       = "TIMEOUT"
	KindRouting       = "ROUTING"
	KindNotFound      = "NOT_FOUND"
	KindParse         = "PARSE"
	KindInvalid       = "INVALID"
	KindUnavailable   = "UNAVAILABLE"
	KindInternal      = "INTERNAL"
)

// AppError represents an application-specific error with a failure kind.
type AppError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// Invalid creates an error for a rejected argument or state transition.
func Invalid(message string) *AppError {
	return &AppError{
		Kind:    KindInvalid,
		Message: message,
	}
}

// Invalidf creates an Invalid error with a formatted message.
func Invalidf(format string, args ...any) *AppError {
	return Invalid(fmt.Sprintf(format, args...))
}

// Configuration creates an error for bad or missing configuration.
func Configuration(message string) *AppError {
	return &AppError{
		Kind:    KindConfiguration,
		Message: message,
	}
}

// Protocol creates an error for a wire-protocol violation.
func Protocol(message string, err error) *AppError {
	return &AppError{
		Kind:    KindProtocol,
		Message: message,
		Err:     err,
	}
}

// Transport creates an error for a broken connection or dead peer.
func Transport(message string, err error) *AppError {
	return &AppError{
		Kind:    KindTransport,
		Message: message,
		Err:     err,
	}
}

// Timeout creates an error for an operation that exceeded its deadline.
func Timeout(op string, d time.Duration) *AppError {
	return &AppError{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s timed out after %s", op, d),
	}
}

// Routing creates an error for a request no provider can satisfy.
func Routing(message string) *AppError {
	return &AppError{
		Kind:    KindRouting,
		Message: message,
	}
}

// Parse creates an error for unparseable input.
func Parse(message string, err error) *AppError {
	return &AppError{
		Kind:    KindParse,
		Message: message,
		Err:     err,
	}
}

// Unavailable creates an error for a component that is closed or shut down.
func Unavailable(component string) *AppError {
	return &AppError{
		Kind:    KindUnavailable,
		Message: fmt.Sprintf("%s is unavailable", component),
	}
}

// Internal creates an internal error with a wrapped underlying cause.
func Internal(message string, err error) *AppError {
	return &AppError{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If the error is already an AppError its kind is preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}
	return &AppError{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return isKind(err, KindNotFound)
}

// IsTimeout checks if the error is a deadline error.
func IsTimeout(err error) bool {
	return isKind(err, KindTimeout)
}

// IsTransport checks if the error is a transport error.
func IsTransport(err error) bool {
	return isKind(err, KindTransport)
}

// IsRouting checks if the error is a routing error.
func IsRouting(err error) bool {
	return isKind(err, KindRouting)
}

// IsInvalid checks if the error is an invalid argument or transition error.
func IsInvalid(err error) bool {
	return isKind(err, KindInvalid)
}

func isKind(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
