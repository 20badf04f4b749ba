package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Code string

const (
	CodeMissingCredentials  Code = "MISSING_CREDENTIALS"
	CodeInvalidCredentials  Code = "INVALID_CREDENTIALS"
	CodeAccountDisabled     Code = "ACCOUNT_DISABLED"
	CodeAccountLocked       Code = "ACCOUNT_LOCKED"
	CodeInvalidRefreshToken Code = "INVALID_REFRESH_TOKEN"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrIdentityNotFound    = errors.New("identity not found")
	ErrMissingSecret       = errors.New("missing jwt signing secret")
)

// Error is a caller-visible auth failure. Its message is safe to return to
// clients as is.
type Error struct {
	Code             Code
	Message          string
	LockedUntil      time.Time
	MinutesRemaining int
	Err              error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errMissingCredentials() *Error {
	return &Error{Code: CodeMissingCredentials, Message: "Username/email and password are required"}
}

func errInvalidCredentials() *Error {
	return &Error{Code: CodeInvalidCredentials, Message: "Invalid email or password", Err: ErrInvalidCredentials}
}

func errAccountDisabled() *Error {
	return &Error{Code: CodeAccountDisabled, Message: "Your account has been disabled. Please contact an administrator."}
}

func errInvalidRefreshToken() *Error {
	return &Error{Code: CodeInvalidRefreshToken, Message: "Invalid or expired refresh token", Err: ErrInvalidRefreshToken}
}

func errAccountLocked(until, now time.Time) *Error {
	minutes := minutesRemaining(until, now)
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return &Error{
		Code:             CodeAccountLocked,
		Message:          fmt.Sprintf("Account temporarily locked due to too many failed login attempts. Try again in %d %s.", minutes, unit),
		LockedUntil:      until,
		MinutesRemaining: minutes,
	}
}

func minutesRemaining(until, now time.Time) int {
	minutes := int(math.Ceil(until.Sub(now).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// CodeOf returns the auth code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return CodeInternal
}
