// Package apperr defines the stable condition codes that ledger, relay and
// billing operations fail with. Callers branch on the code, never on the text.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	InvalidRequest     Code = "INVALID_REQUEST"
	NotFound           Code = "NOT_FOUND"
	Forbidden          Code = "FORBIDDEN"
	Conflict           Code = "CONFLICT"
	InsufficientCredit Code = "INSUFFICIENT_CREDIT"
	RateLimited        Code = "RATE_LIMITED"
)

// Error is a domain failure carrying a machine-matchable code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "" when err
// carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
