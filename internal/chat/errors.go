package chat

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store implementations when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrHubClosed is returned when the hub loop is no longer running.
var ErrHubClosed = errors.New("hub closed")

// Code is the machine-readable error code sent to clients.
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeForbidden          Code = "FORBIDDEN"
	CodePayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	CodeInternal           Code = "INTERNAL"
)

// Error is a request failure reported back to the requesting connection.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func errUnauthenticated() *Error {
	return newError(CodeUnauthenticated, "authentication required")
}

func errInvalid(msg string) *Error { return newError(CodeInvalidArgument, msg) }

func errNotFound(what string) *Error { return newError(CodeNotFound, what+" not found") }

func errForbidden(msg string) *Error { return newError(CodeForbidden, msg) }

// storageError maps a Store failure onto the taxonomy: misses become NotFound,
// everything else (timeouts included) is StorageUnavailable.
func storageError(err error, what string) *Error {
	if errors.Is(err, ErrNotFound) {
		return &Error{Code: CodeNotFound, Message: what + " not found", Err: err}
	}
	return &Error{Code: CodeStorageUnavailable, Message: "storage unavailable", Err: err}
}

// GetCode extracts the error code from any error.
// Returns CodeInternal if the error is not a *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

// publicMessage is the text safe to show the client.
func publicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
