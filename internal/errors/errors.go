// Package errors provides the service error type shared by the lifecycle
// engine and its HTTP adapter.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeNotActive          ErrorCode = "ARTIFACT_NOT_ACTIVE"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error with an HTTP mapping and optional details.
type ServiceError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Err        error          `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches another ServiceError by code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newError(code ErrorCode, status int, msg string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: msg, HTTPStatus: status, Err: err}
}

func BadRequest(msg string) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, msg, nil)
}

func Unauthorized(msg string) *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, msg, nil)
}

// InvalidToken reports a bearer token that was presented but could not be
// verified. It must never be treated as an anonymous request.
func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token", err)
}

func InsufficientFunds(available, requested int64) *ServiceError {
	return newError(CodeInsufficientFunds, http.StatusPaymentRequired, "Insufficient credits", nil).
		WithDetails("available", available).
		WithDetails("requested", requested)
}

func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil).
		WithDetails("id", id)
}

func NotActive(id string) *ServiceError {
	return newError(CodeNotActive, http.StatusConflict, "Artifact is no longer active", nil).
		WithDetails("id", id)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "Rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Unavailable(msg string, err error) *ServiceError {
	return newError(CodeServiceUnavailable, http.StatusServiceUnavailable, msg, err)
}

func Internal(msg string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, msg, err)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries a ServiceError with the given code.
func HasCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
