// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a request-level failure. The set is closed: a
// response never carries a code outside it.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeUnknownVersion     Code = "UNKNOWN_VERSION"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeSessionExpired     Code = "SESSION_EXPIRED"
	CodeSessionAlreadyUsed Code = "SESSION_ALREADY_USED"
	CodeExchangeFailed     Code = "EXCHANGE_FAILED"
	CodeProviderNotFound   Code = "PROVIDER_NOT_FOUND"
)

// Known reports whether c belongs to the closed code set.
func (c Code) Known() bool {
	switch c {
	case CodeNotFound, CodeInvalidRequest, CodeRateLimited, CodeUnauthorized,
		CodeInternalError, CodeUnknownVersion, CodeSessionNotFound,
		CodeSessionExpired, CodeSessionAlreadyUsed, CodeExchangeFailed,
		CodeProviderNotFound:
		return true
	}
	return false
}

// Error is a request-level failure. It travels as a response with
// ok=false and keeps the connection open.
//
// Use the code-specific constructors rather than building Error
// directly.
type Error struct {
	Code Code

	// Message is human-readable and safe to send across the boundary.
	Message string

	// RetryAfter is set on CodeRateLimited when the caller should wait
	// before trying again.
	RetryAfter time.Duration

	// Err is the underlying cause. It is never sent on the wire.
	Err error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Wrap records cause without adding it to the message, keeping its
// detail on this side of the boundary.
func (e *Error) Wrap(cause error) *Error {
	e.Err = cause
	return e
}

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, &ipc.Error{Code: ipc.CodeNotFound}).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func newError(code Code, format string, args []any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), Err: errors.Unwrap(err)}
}

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args)
}

// InvalidRequest creates an INVALID_REQUEST error: a missing or
// malformed field, or an operation sent out of order.
func InvalidRequest(format string, args ...any) *Error {
	return newError(CodeInvalidRequest, format, args)
}

// RateLimited creates a RATE_LIMITED error carrying a retry hint.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	err := newError(CodeRateLimited, format, args)
	err.RetryAfter = retryAfter
	return err
}

// Unauthorized creates an UNAUTHORIZED error. Reserved for scope and
// peer identity violations.
func Unauthorized(format string, args ...any) *Error {
	return newError(CodeUnauthorized, format, args)
}

// Internal creates an INTERNAL_ERROR.
func Internal(format string, args ...any) *Error {
	return newError(CodeInternalError, format, args)
}

// UnknownVersion creates an UNKNOWN_VERSION error.
func UnknownVersion(format string, args ...any) *Error {
	return newError(CodeUnknownVersion, format, args)
}

// SessionNotFound creates a SESSION_NOT_FOUND error.
func SessionNotFound(format string, args ...any) *Error {
	return newError(CodeSessionNotFound, format, args)
}

// SessionExpired creates a SESSION_EXPIRED error.
func SessionExpired(format string, args ...any) *Error {
	return newError(CodeSessionExpired, format, args)
}

// SessionAlreadyUsed creates a SESSION_ALREADY_USED error.
func SessionAlreadyUsed(format string, args ...any) *Error {
	return newError(CodeSessionAlreadyUsed, format, args)
}

// ExchangeFailed creates an EXCHANGE_FAILED error.
func ExchangeFailed(format string, args ...any) *Error {
	return newError(CodeExchangeFailed, format, args)
}

// ProviderNotFound creates a PROVIDER_NOT_FOUND error.
func ProviderNotFound(format string, args ...any) *Error {
	return newError(CodeProviderNotFound, format, args)
}

// CodeOf classifies err. A nil error has no code; anything that is not
// an *Error is CodeInternalError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ipcErr *Error
	if errors.As(err, &ipcErr) {
		return ipcErr.Code
	}
	return CodeInternalError
}

// AsError returns err as an *Error, wrapping unclassified errors as
// INTERNAL_ERROR with a generic message so internal detail does not
// cross the boundary.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ipcErr *Error
	if errors.As(err, &ipcErr) {
		return ipcErr
	}
	return &Error{Code: CodeInternalError, Message: "internal error", Err: err}
}
