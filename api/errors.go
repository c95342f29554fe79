// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-relay.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	// ErrPoolExhausted is returned when the free list is empty and the pool
	// refused to grow. Callers drop the current packet and continue.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrInvalidWindow rejects a buffer whose logical view does not fit
	// inside its capacity.
	ErrInvalidWindow = errors.New("invalid buffer window")

	// ErrAlreadyQueued rejects a buffer that is already linked into a send
	// or pending list.
	ErrAlreadyQueued = errors.New("buffer already queued")

	// ErrWouldBlock is the transient backpressure result of a send; retry on
	// the next writable event.
	ErrWouldBlock = errors.New("operation would block")

	// ErrNoBufferSpace is the kernel's ENOBUFS. Queues fold it into
	// ErrWouldBlock after counting it.
	ErrNoBufferSpace = errors.New("no buffer space available")

	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrNotSupported    = fmt.Errorf("operation not supported")
	ErrClosed          = fmt.Errorf("resource is closed")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeNotSupported
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap maps the code onto the matching sentinel so errors.Is works.
func (e *Error) Unwrap() error {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	case ErrCodeResourceExhausted:
		return ErrPoolExhausted
	case ErrCodeNotSupported:
		return ErrNotSupported
	default:
		return nil
	}
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
