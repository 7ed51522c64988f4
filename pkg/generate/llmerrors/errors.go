// Package llmerrors provides structured error classification for provider
// API interactions.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorType represents different categories of provider errors for retry logic.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 but no content errors.
	ErrorTypeEmptyResponse

	// Non-retryable error types.

	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed request errors (too long, violates policy).
	ErrorTypeBadPrompt
	// ErrorTypeUnknown represents default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error represents a classified provider error.
type Error struct {
	Err        error         // Wrapped underlying error
	Message    string        // Human-readable error message
	Provider   string        // Provider that produced the error
	Type       ErrorType     // Classified error type
	StatusCode int           // HTTP status code if applicable
	RetryAfter time.Duration // Server-suggested retry delay, zero when absent
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("provider error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
// Blocklist approach: everything is retryable UNLESS explicitly non-retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt:
		return false
	default:
		return true
	}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Type
	}
	return ErrorTypeUnknown
}

// NewError creates a new classified provider error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified provider error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified provider error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

var statusCodeRe = regexp.MustCompile(`\b([1-5]\d{2})\b`)

func extractStatusCode(errStr string) int {
	m := statusCodeRe.FindStringSubmatch(errStr)
	if len(m) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(m[1])
	return code
}

// retryAfterRe matches the delay hints providers embed in throttling errors,
// e.g. "Please retry in 26.5s" or "retry after 30 seconds".
var retryAfterRe = regexp.MustCompile(`(?i)retry(?:ing)?\s+(?:in|after)\s+([0-9]+(?:\.[0-9]+)?)\s*s`)

func extractRetryAfter(errStr string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(errStr)
	if len(m) < 2 {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// Classify maps an SDK or transport error to a structured error type. Already
// classified errors pass through unchanged.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}

	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Type: ErrorTypeTransient, Err: err, Provider: provider, Message: "request timeout"}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Type: ErrorTypeTransient, Err: err, Provider: provider, Message: "request canceled"}
	}

	errStr := err.Error()
	statusCode := extractStatusCode(errStr)

	switch statusCode {
	case 401:
		return &Error{Type: ErrorTypeAuth, StatusCode: statusCode, Err: err, Provider: provider, Message: "authentication failed - check API key"}
	case 403:
		return &Error{Type: ErrorTypeAuth, StatusCode: statusCode, Err: err, Provider: provider, Message: "permission denied - check API access"}
	case 402:
		return &Error{Type: ErrorTypeRateLimit, StatusCode: statusCode, Err: err, Provider: provider, Message: "payment required - quota exhausted"}
	case 429:
		return &Error{Type: ErrorTypeRateLimit, StatusCode: statusCode, Err: err, Provider: provider, Message: "rate limit exceeded", RetryAfter: extractRetryAfter(errStr)}
	case 400:
		return &Error{Type: ErrorTypeBadPrompt, StatusCode: statusCode, Err: err, Provider: provider, Message: "bad request - check prompt format and parameters"}
	case 500, 502, 503, 504:
		return &Error{Type: ErrorTypeTransient, StatusCode: statusCode, Err: err, Provider: provider, Message: "server error"}
	}

	lowered := strings.ToLower(errStr)

	if strings.Contains(lowered, "timeout") ||
		strings.Contains(lowered, "connection") ||
		strings.Contains(lowered, "network") ||
		strings.Contains(lowered, "temporary") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(lowered, "reset") {
		return &Error{Type: ErrorTypeTransient, Err: err, Provider: provider, Message: "network or connection error"}
	}

	if strings.Contains(lowered, "rate") ||
		strings.Contains(lowered, "quota") ||
		strings.Contains(lowered, "resource exhausted") ||
		strings.Contains(lowered, "limit") {
		return &Error{Type: ErrorTypeRateLimit, Err: err, Provider: provider, Message: "rate limiting detected", RetryAfter: extractRetryAfter(errStr)}
	}

	if strings.Contains(lowered, "auth") ||
		strings.Contains(lowered, "api key") ||
		strings.Contains(lowered, "unauthorized") {
		return &Error{Type: ErrorTypeAuth, Err: err, Provider: provider, Message: "authentication error"}
	}

	if strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "malformed") ||
		strings.Contains(lowered, "too large") {
		return &Error{Type: ErrorTypeBadPrompt, Err: err, Provider: provider, Message: "prompt or request error"}
	}

	return &Error{Type: ErrorTypeUnknown, Err: err, Provider: provider, Message: "unclassified provider error"}
}
