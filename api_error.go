// Package quotagate provides request-admission middleware for Chi routers:
// a process-wide rate limiter, a credential extractor, and a plan-aware
// daily/monthly quota limiter composed into one ordered pipeline.
//
// This file contains the structured error type written for every rejection.
// Responses follow a Stripe-style envelope:
//
//	{"error": {"type": "rate_limit_error", "code": "quota_exceeded", "message": "...", "retry_after": 3600}}
//
// The "code" field tells rejections with the same HTTP status apart.
package quotagate

import (
	"math"
	"net/http"
	"time"
)

// APIError represents a structured API error response.
type APIError struct {
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"`
	Status     int    `json:"-"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error types.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *APIError) With(message string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// WithParam returns a copy of the error with a custom message and parameter.
func (e *APIError) WithParam(message, param string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	dup.Param = param
	return &dup
}

// WithRetryAfter returns a copy of the error carrying a retry hint, rounded up
// to whole seconds. Non-positive durations clear the hint.
func (e *APIError) WithRetryAfter(d time.Duration) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.RetryAfter = retrySeconds(d)
	return &dup
}

func retrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// Predefined sentinel errors
var (
	ErrBadRequest         = &APIError{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrUnauthorized       = &APIError{Type: "auth_error", Code: "unauthorized", Message: "Unauthorized", Status: http.StatusUnauthorized}
	ErrForbidden          = &APIError{Type: "auth_error", Code: "forbidden", Message: "Forbidden", Status: http.StatusForbidden}
	ErrNotFound           = &APIError{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrRateLimited        = &APIError{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrQuotaExceeded      = &APIError{Type: "rate_limit_error", Code: "quota_exceeded", Message: "Quota exceeded", Status: http.StatusTooManyRequests}
	ErrInternal           = &APIError{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrServiceUnavailable = &APIError{Type: "request_error", Code: "service_unavailable", Message: "Service unavailable", Status: http.StatusServiceUnavailable}
	ErrStoreUnavailable   = &APIError{Type: "internal_error", Code: "store_unavailable", Message: "Quota store unavailable", Status: http.StatusServiceUnavailable}
)
