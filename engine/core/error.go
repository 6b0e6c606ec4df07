package core

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of engine failure. Codes travel on error
// events and API problem documents.
type ErrorCode string

const (
	CodeInvalidDefinition        ErrorCode = "INVALID_DEFINITION"
	CodeTransactionAlreadyExists ErrorCode = "TRANSACTION_ALREADY_EXISTS"
	CodeTransactionNotFound      ErrorCode = "TRANSACTION_NOT_FOUND"
	CodeWorkflowNotFound         ErrorCode = "WORKFLOW_NOT_FOUND"
	CodeTaskNotFound             ErrorCode = "TASK_NOT_FOUND"
	CodeDefinitionNotFound       ErrorCode = "DEFINITION_NOT_FOUND"
	CodeInvalidTransition        ErrorCode = "INVALID_TRANSITION"
	CodeUnknownReference         ErrorCode = "UNKNOWN_REFERENCE"
	CodeStoreUnavailable         ErrorCode = "STORE_UNAVAILABLE"
	CodeBusUnavailable           ErrorCode = "BUS_UNAVAILABLE"
	CodeSerializationError       ErrorCode = "SERIALIZATION_ERROR"
	CodeInternal                 ErrorCode = "INTERNAL"
)

// Error is the canonical domain error. It wraps an optional cause and
// carries structured details for error events.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a key/value pair to the error details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for unwrapping.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the domain error code from err, or CodeInternal when err
// is not a domain error.
func CodeOf(err error) ErrorCode {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given domain error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
