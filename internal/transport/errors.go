package transport

import (
	"fmt"
)

// ErrorType classifies transport errors for retry decisions.
type ErrorType string

const (
	// ErrorTypeConnection indicates network or DNS errors
	ErrorTypeConnection ErrorType = "connection"

	// ErrorTypeTimeout indicates the per-attempt timeout elapsed
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeMalformed indicates a success response whose body is not JSON,
	// or a body that could not be read
	ErrorTypeMalformed ErrorType = "malformed"

	// ErrorTypeInvalidReq indicates request validation error (invalid method, URL, etc.)
	ErrorTypeInvalidReq ErrorType = "invalid_request"

	// ErrorTypeCancelled indicates the caller's context was cancelled
	ErrorTypeCancelled ErrorType = "cancelled"
)

// TransportError represents a failed exchange: no usable HTTP response was
// received.
type TransportError struct {
	// Type classifies the error for retry decisions
	Type ErrorType

	// StatusCode is set only for malformed responses
	StatusCode int

	// Message is a fixed, user-safe description. It never contains the
	// underlying error text.
	Message string

	// RequestID is the X-Request-ID of the failed call
	RequestID string

	// Retryable indicates whether another attempt may succeed
	Retryable bool

	// NotSent is true when the request provably never reached the
	// upstream (dial or DNS failure). Only such failures are retried for
	// non-idempotent calls.
	NotSent bool

	// Cause is the underlying error
	// May contain sensitive data - use Message for user-facing errors
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error should be retried.
func (e *TransportError) IsRetryable() bool {
	return e.Retryable
}

// IsType returns true if the error is of the given type.
func (e *TransportError) IsType(t ErrorType) bool {
	return e.Type == t
}

// ExhaustedError is returned by WithRetry when every allowed attempt failed
// with a retryable failure.
//
// Exactly one of LastResponse and LastErr is set: a LastResponse means the
// upstream kept answering with 5xx, a LastErr means it could not be reached.
type ExhaustedError struct {
	// Attempts is the number of attempts made
	Attempts int

	// LastResponse is the final 5xx response, if the last failure was one
	LastResponse *Response

	// LastErr is the final transport failure, if the last failure was one
	LastErr error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	if e.LastResponse != nil {
		return fmt.Sprintf("retries exhausted after %d attempts: upstream returned HTTP %d", e.Attempts, e.LastResponse.StatusCode)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

// Unwrap returns the last transport failure, if any.
func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Unreachable reports whether the last failure was a transport failure
// rather than an upstream 5xx.
func (e *ExhaustedError) Unreachable() bool {
	return e.LastResponse == nil
}
