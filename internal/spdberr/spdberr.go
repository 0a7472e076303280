// Package spdberr provides the standardized error type for the spatial
// database core, carrying the numeric codes persisted in error payloads.
package spdberr

import (
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Code is one of the error codes the core persists in error payloads.
type Code int

const (
	SpdbError            Code = 100
	DatatypeNotSupported Code = 101
	Future               Code = 102
	RedisError           Code = 103
	AsyncError           Code = 104
	SerializationError   Code = 105
	DatatypeMismatch     Code = 106
	ObjectStoreError     Code = 107
	ResourceLocked       Code = 108
	ResolutionMismatch   Code = 109
)

func (c Code) String() string {
	switch c {
	case SpdbError:
		return "SPDB_ERROR"
	case DatatypeNotSupported:
		return "DATATYPE_NOT_SUPPORTED"
	case Future:
		return "FUTURE"
	case RedisError:
		return "REDIS_ERROR"
	case AsyncError:
		return "ASYNC_ERROR"
	case SerializationError:
		return "SERIALIZATION_ERROR"
	case DatatypeMismatch:
		return "DATATYPE_MISMATCH"
	case ObjectStoreError:
		return "OBJECT_STORE_ERROR"
	case ResourceLocked:
		return "RESOURCE_LOCKED"
	case ResolutionMismatch:
		return "RESOLUTION_MISMATCH"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error is the single error type the core raises. Every failure surfaced
// across a package boundary is one of these, wrapping a cause when there
// is one.
type Error struct {
	Code       Code
	Message    string
	Component  string
	Cause      error
	Retryable  bool
	Timestamp  time.Time
	StackTrace string
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an Error of the given code.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryable(code),
		Timestamp: time.Now(),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new Error of the given code.
func Wrap(cause error, code Code, message string) *Error {
	if cause == nil {
		return nil
	}
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithComponent tags the error with the originating component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithStackTrace captures the current goroutine's stack.
func (e *Error) WithStackTrace() *Error {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	e.StackTrace = string(buf[:n])
	return e
}

func retryable(code Code) bool {
	switch code {
	case RedisError, ObjectStoreError, AsyncError:
		return true
	default:
		return false
	}
}

// Log writes the error to a zap logger with the standard fields.
func Log(logger *zap.Logger, err error, fields ...zap.Field) {
	if err == nil || logger == nil {
		return
	}
	all := append(fields, zap.Error(err))
	if se, ok := err.(*Error); ok {
		all = append(all,
			zap.String("code", se.Code.String()),
			zap.Bool("retryable", se.Retryable),
			zap.String("component", se.Component),
		)
		switch se.Code {
		case ResourceLocked, ResolutionMismatch, DatatypeMismatch, DatatypeNotSupported:
			logger.Warn("spdb client error", all...)
		default:
			logger.Error("spdb error", all...)
		}
		return
	}
	logger.Error("unhandled error", all...)
}
