package rspc

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode identifies the class of an error on the wire.
type ErrorCode string

// Engine error codes.
const (
	CodeNotFound              ErrorCode = "not_found"
	CodeDeserializeInput      ErrorCode = "deserialize_input"
	CodeResolverError         ErrorCode = "resolver_error"
	CodeInternal              ErrorCode = "internal"
	CodeParseError            ErrorCode = "parse_error"
	CodeInvalidRequest        ErrorCode = "invalid_request"
	CodeMethodNotSupported    ErrorCode = "method_not_supported"
	CodeDuplicateSubscription ErrorCode = "duplicate_subscription"
	CodeTooManySubscriptions  ErrorCode = "too_many_subscriptions"
)

// Codes resolvers and middleware may return to classify domain errors.
const (
	CodeBadRequest      ErrorCode = "bad_request"
	CodeUnauthorized    ErrorCode = "unauthorized"
	CodeForbidden       ErrorCode = "forbidden"
	CodeConflict        ErrorCode = "conflict"
	CodeTimeout         ErrorCode = "timeout"
	CodeTooManyRequests ErrorCode = "too_many_requests"
	CodeCanceled        ErrorCode = "canceled"
)

const internalMessage = "internal server error"

// Error is an error that can be sent to the client.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsInternal reports whether the error indicates a bug rather than a
// recoverable condition.
func (e *Error) IsInternal() bool {
	return e.Code == CodeInternal
}

// publicMessage hides the details of internal errors from clients.
func (e *Error) publicMessage() string {
	if e.IsInternal() {
		return internalMessage
	}
	return e.Message
}

// NewError creates a new error with the given code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a new error wrapping an existing error.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// ErrNotFound returns the error for an unknown procedure.
func ErrNotFound(kind ProcedureKind, key string) *Error {
	return NewError(CodeNotFound, fmt.Sprintf("%s procedure not found: %s", kind, key))
}

// ErrDeserializeInput returns the error for input that does not match the
// procedure's expected shape.
func ErrDeserializeInput(cause error) *Error {
	return WrapError(CodeDeserializeInput, "failed to deserialize input", cause)
}

// ErrInternal returns an internal error.
func ErrInternal(cause error) *Error {
	return WrapError(CodeInternal, internalMessage, cause)
}

// ErrInvalidRequest returns the error for a malformed envelope.
func ErrInvalidRequest(reason string) *Error {
	return NewError(CodeInvalidRequest, "invalid request: "+reason)
}

// ErrUnauthorized returns an unauthorized error.
func ErrUnauthorized(message string) *Error {
	return NewError(CodeUnauthorized, message)
}

// ErrBadRequest returns a bad request error.
func ErrBadRequest(message string) *Error {
	return NewError(CodeBadRequest, message)
}

// AsError converts any error into an *Error. Errors that already carry a
// code keep it; anything else surfaced by a resolver or middleware is a
// resolver error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return WrapError(CodeCanceled, "request canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(CodeTimeout, "request timed out", err)
	}
	return WrapError(CodeResolverError, err.Error(), err)
}
