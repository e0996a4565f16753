// Package errors defines the typed error kinds shared across the daemon.
// Handlers map kinds to HTTP status codes; components attach a kind when
// the failure is meaningful to callers and let everything else surface as
// Internal.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for RPC mapping and retry decisions.
type Kind string

const (
	NotFound           Kind = "NOT_FOUND"
	AlreadyExists      Kind = "ALREADY_EXISTS"
	InvalidArgument    Kind = "INVALID_ARGUMENT"
	PreconditionFailed Kind = "PRECONDITION_FAILED"
	Conflict           Kind = "CONFLICT"
	Timeout            Kind = "TIMEOUT"
	ConnectionFailed   Kind = "CONNECTION_FAILED"
	ContainerError     Kind = "CONTAINER_ERROR"
	AgentError         Kind = "AGENT_ERROR"
	Internal           Kind = "INTERNAL"
)

// Error is an error with an attached kind and optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with the given kind and a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain. Errors without an attached
// kind are classified as Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
