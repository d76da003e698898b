// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errs defines the error kinds used across the broker.
package errs

import (
	"fmt"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrInviteStore is returned when there is an error with the invite store
	ErrInviteStore = "invite_store"

	// ErrQueueFull is returned when the waitlist has reached its cap
	ErrQueueFull = "queue_full"

	// ErrSessionConflict is returned when an operation would violate the
	// single-active-session invariant
	ErrSessionConflict = "session_conflict"

	// ErrSandboxRuntime is returned when there is an error with the sandbox runtime
	ErrSandboxRuntime = "sandbox_runtime"

	// ErrRateLimited is returned when a caller exceeded a rate-limit window
	ErrRateLimited = "rate_limited"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewInviteStoreError creates a new invite store error
func NewInviteStoreError(message string, cause error) *Error {
	return NewError(ErrInviteStore, message, cause)
}

// NewQueueFullError creates a new queue full error
func NewQueueFullError(message string) *Error {
	return NewError(ErrQueueFull, message, nil)
}

// NewSessionConflictError creates a new session conflict error
func NewSessionConflictError(message string) *Error {
	return NewError(ErrSessionConflict, message, nil)
}

// NewSandboxRuntimeError creates a new sandbox runtime error
func NewSandboxRuntimeError(message string, cause error) *Error {
	return NewError(ErrSandboxRuntime, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string) *Error {
	return NewError(ErrRateLimited, message, nil)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsType checks whether err is an *Error of the given type.
func IsType(err error, errorType string) bool {
	e, ok := err.(*Error)
	return ok && e.Type == errorType
}
