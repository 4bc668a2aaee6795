// Package rpc implements the JSON-RPC dispatcher: a method registry with
// bearer-token auth, per-connection rate limiting, parameter validation,
// error translation into the daemon's closed code set, and push-event
// delivery over the same newline-delimited transport.
package rpc

import (
	"errors"
	"fmt"
)

// Code is one of the daemon's closed error codes. Clients pattern-match
// on codes, never on message text.
type Code string

const (
	CodeInvalidParams   Code = "INVALID_PARAMS"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodePolicyDenied    Code = "POLICY_DENIED"
	CodeModeViolation   Code = "MODE_VIOLATION"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeVendorError     Code = "VENDOR_ERROR"
	CodeInternal        Code = "INTERNAL"
)

// Error is the wire-visible RPC error: a code from the closed set and a
// human-readable message.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// translate maps any handler-returned error into the closed taxonomy.
// *Error values pass through unchanged; everything else becomes INTERNAL.
// This is the single point where raw error values are stopped from
// crossing the transport.
func translate(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}
