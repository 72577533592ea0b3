// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the pool, queue, descriptor table and peer layers.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeMessageTooLarge
	ErrCodeBadAddress
	ErrCodeUnknownDestination
	ErrCodeNoSpace
	ErrCodeOutOfMemory
	ErrCodeWouldBlock
	ErrCodeBadDescriptor
	ErrCodeDisconnected
	ErrCodeNotTTY
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeMessageTooLarge:
		return "message_too_large"
	case ErrCodeBadAddress:
		return "bad_address"
	case ErrCodeUnknownDestination:
		return "unknown_destination"
	case ErrCodeNoSpace:
		return "no_space"
	case ErrCodeOutOfMemory:
		return "out_of_memory"
	case ErrCodeWouldBlock:
		return "would_block"
	case ErrCodeBadDescriptor:
		return "bad_descriptor"
	case ErrCodeDisconnected:
		return "disconnected"
	case ErrCodeNotTTY:
		return "not_tty"
	default:
		return "unknown"
	}
}

// Common errors used across the library.
var (
	ErrInvalidArgument    = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrMessageTooLarge    = NewError(ErrCodeMessageTooLarge, "message too large")
	ErrBadAddress         = NewError(ErrCodeBadAddress, "bad address")
	ErrUnknownDestination = NewError(ErrCodeUnknownDestination, "unknown destination")
	ErrNoSpace            = NewError(ErrCodeNoSpace, "no space left in pool")
	ErrOutOfMemory        = NewError(ErrCodeOutOfMemory, "out of memory")
	ErrWouldBlock         = NewError(ErrCodeWouldBlock, "no message queued")
	ErrBadDescriptor      = NewError(ErrCodeBadDescriptor, "bad file descriptor")
	ErrDisconnected       = NewError(ErrCodeDisconnected, "peer disconnected")
	ErrNotTTY             = NewError(ErrCodeNotTTY, "unknown command")
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

// Is matches any *Error carrying the same code, so values built with
// WithContext still compare equal to the sentinels above.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithContext returns a copy of the error with one more context entry.
// Sentinels are never mutated.
func (e *Error) WithContext(key string, value any) *Error {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &Error{Code: e.Code, Message: e.Message, Context: ctx}
}

// CodeOf extracts the ErrorCode carried by err, or ErrCodeOK for nil.
// Foreign errors report ErrCodeInvalidArgument.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInvalidArgument
}
