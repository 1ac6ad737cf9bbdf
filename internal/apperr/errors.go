// Package apperr carries the service's error taxonomy: a machine-readable
// Code, a caller-facing message and an optional wrapped cause.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error type tag, surfaced as "errorType".
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeAccountNotFound  Code = "ACCOUNT_NOT_FOUND"
	CodeAuthentication   Code = "INVALID_CREDENTIALS"
	CodeEmailExists      Code = "EMAIL_EXISTS"
	CodeUsernameExists   Code = "USERNAME_EXISTS"
	CodeAlreadyVerified  Code = "ALREADY_VERIFIED"
	CodeInvalidToken     Code = "INVALID_TOKEN"
	CodeTokenExpired     Code = "TOKEN_EXPIRED"
	CodeNoResetRequest   Code = "NO_RESET_REQUEST"
	CodeOTPExpired       Code = "OTP_EXPIRED"
	CodeInvalidOTP       Code = "INVALID_OTP"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConnectionExists Code = "CONNECTION_EXISTS"
	CodeNotPending       Code = "CONNECTION_NOT_PENDING"
	CodeEmailDelivery    Code = "EMAIL_DELIVERY_FAILED"
	CodeUnavailable      Code = "SERVICE_UNAVAILABLE"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeAlreadyVerified, CodeInvalidToken, CodeTokenExpired,
		CodeNoResetRequest, CodeOTPExpired, CodeInvalidOTP:
		return http.StatusBadRequest
	case CodeAuthentication, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeAccountNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeEmailExists, CodeUsernameExists, CodeConnectionExists, CodeNotPending:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so package sentinels work with
// errors.Is even after they have been re-wrapped with a cause.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code && (t.Message == "" || t.Message == e.Message)
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation builds a VALIDATION_ERROR with the given message.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Unavailable hides infrastructure detail behind a generic message.
func Unavailable(cause error) *Error {
	return Wrap(CodeUnavailable, "Service temporarily unavailable", cause)
}

// From extracts the *Error from err's chain. Anything else is reported as an
// unexpected internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "An unexpected error occurred", err)
}
