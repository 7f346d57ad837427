// Package errors holds the coded error type shared by every migrate-consul
// package.
//
// The Code targets automated handlers (retry policy, exit codes, status
// transitions). Msg is for the operator. Op and Err chain errors into a
// logical stack trace.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes.
const (
	EInternal          = "internal error"
	ELockUnavailable   = "lock unavailable"
	EWriteRejected     = "write rejected"
	ETypeMismatch      = "type mismatch"
	ENotAnArray        = "not an array"
	ENotJSON           = "not json"
	EInvalidOperation  = "invalid operation"
	EHashMismatch      = "hash mismatch"
	EAlreadyStaged     = "already staged"
	ERecordNotFound    = "record not found"
	EInvalidTransition = "invalid transition"
	EKeyNotFound       = "key not found"
)

// Error is the error struct of migrate-consul.
//
// To create a simple error,
//
//	&Error{Code: ERecordNotFound}
//
// To show where the error happens, add Op.
//
//	&Error{Code: ERecordNotFound, Op: "sqlstore.Get"}
//
// To wrap another error.
//
//	&Error{Code: EWriteRejected, Err: err}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// New returns an error with the given code and a formatted message.
func New(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error with the given code wrapping err.
func Wrap(code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, "<%s>", e.Code)
	}
	return b.String()
}

// Unwrap exposes the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the first coded error in the chain. Errors
// without any code report EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return EInternal
		}
		if e.Code != "" {
			return e.Code
		}
		err = e.Err
	}
	return EInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// Retryable reports whether err is transient and may be retried by the caller.
func Retryable(err error) bool {
	switch ErrorCode(err) {
	case ELockUnavailable, EWriteRejected:
		return true
	}
	return false
}
