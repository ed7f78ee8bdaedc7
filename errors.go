package asyncmix

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopAlreadyRunning is returned by Run when the loop is already running.
	ErrLoopAlreadyRunning = errors.New("asyncmix: loop is already running")

	// ErrLoopTerminated is returned when work is submitted to a terminated
	// loop, and is the rejection reason for every promise left pending at
	// termination.
	ErrLoopTerminated = errors.New("asyncmix: loop has been terminated")

	// ErrDeadlock is returned by blocking observation performed on the loop
	// goroutine itself, which could never complete.
	ErrDeadlock = errors.New("asyncmix: blocking wait on the loop goroutine")

	// ErrGoexit is the failure outcome of an operation whose goroutine exited
	// via runtime.Goexit without producing a result.
	ErrGoexit = errors.New("asyncmix: operation goroutine exited via runtime.Goexit")

	// ErrNilRejection replaces a nil error passed to a promise rejection, so
	// error-first consumers always receive a non-nil failure value.
	ErrNilRejection = errors.New("asyncmix: promise rejected with nil error")
)

// TypeError reports a structurally invalid use of the API, such as a nil
// completion callback or a promise resolved with itself.
type TypeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TypeError) Unwrap() error {
	return e.Cause
}

// PanicError wraps a value recovered from a panic in an operation, task, or
// settlement handler.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("asyncmix: recovered panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling [errors.Is] and [errors.As] matching through the cause chain.
// Returns nil for non-error panic values.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// AggregateError holds the collected rejection reasons of a combinator such
// as [Any] when every input promise rejects.
type AggregateError struct {
	Message string
	Errors  []error
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	if e.Message == "" {
		return "all promises were rejected"
	}
	return e.Message
}

// Unwrap returns the errors slice for multi-error unwrapping (Go 1.20+),
// so [errors.Is] and [errors.As] check against every contained error.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// WrapError wraps an error with a message, preserving the cause chain.
// The result satisfies errors.Is(result, cause) == true.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
