package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidCode = &AppError{
		Code:       "mfa.invalid_code",
		Message:    "Invalid verification code",
		StatusCode: http.StatusUnauthorized,
	}

	ErrFactorNotFound = &AppError{
		Code:       "mfa.factor_not_found",
		Message:    "Authentication factor not found",
		StatusCode: http.StatusNotFound,
	}

	ErrChallengeNotFound = &AppError{
		Code:       "mfa.challenge_not_found",
		Message:    "Challenge not found or already used",
		StatusCode: http.StatusNotFound,
	}

	ErrChallengeExpired = &AppError{
		Code:       "mfa.challenge_expired",
		Message:    "Challenge has expired; request a new one",
		StatusCode: http.StatusGone,
	}

	ErrCodeAlreadyUsed = &AppError{
		Code:       "mfa.code_already_used",
		Message:    "Recovery code has already been redeemed",
		StatusCode: http.StatusConflict,
	}

	ErrAlreadyEnrolled = &AppError{
		Code:       "mfa.already_enrolled",
		Message:    "A verified authentication factor already exists",
		StatusCode: http.StatusConflict,
	}

	ErrNotEnrolled = &AppError{
		Code:       "mfa.not_enrolled",
		Message:    "No verified authentication factor exists",
		StatusCode: http.StatusConflict,
	}

	ErrNotVerifiedThisSession = &AppError{
		Code:       "mfa.not_verified_this_session",
		Message:    "Multi-factor verification required before trusting this device",
		StatusCode: http.StatusForbidden,
	}

	ErrRateLimited = &AppError{
		Code:       "mfa.rate_limited",
		Message:    "Too many failed attempts, try again later",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
