// Package transport performs the HTTP exchanges with the mstream API.
//
// The transport layer separates protocol concerns (authentication, timeouts,
// connection pooling, retry and backoff) from gateway concerns (validation,
// endpoint layout, error mapping). A Transport performs exactly one attempt;
// WithRetry drives repeated attempts according to a RetryConfig.
//
// Any HTTP response that is received, including 4xx and 5xx, is returned as a
// Response. A *TransportError is only returned when the exchange itself
// failed: the connection could not be made, the attempt timed out, the
// caller cancelled, or the body could not be read or parsed.
package transport

import (
	"context"
)

// Transport executes single request attempts against the upstream API.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Execute sends one request and returns the received response.
	// Returns *TransportError when no usable response was received.
	Execute(ctx context.Context, req *Request) (*Response, error)

	// Name returns the transport identifier (e.g., "http").
	Name() string

	// SetRateLimiter configures rate limiting applied before each attempt.
	SetRateLimiter(limiter RateLimiter)
}

// Request represents a transport-agnostic request.
type Request struct {
	// Method is the HTTP method (GET, POST, PUT, DELETE, PATCH)
	// Required, must be non-empty
	Method string

	// Path is resolved against the transport's base URL (e.g. "/jobs").
	// Path segments taken from caller input must already be escaped.
	Path string

	// Headers are request headers (case-insensitive)
	// Optional, may be nil or empty map
	Headers map[string]string

	// Body is the JSON request body
	// Optional, may be nil or empty slice
	Body []byte

	// Metadata carries per-call data such as the request ID shared by all
	// attempts of one logical call.
	Metadata map[string]interface{}
}

// Response represents a received response.
type Response struct {
	// StatusCode is the HTTP status code
	StatusCode int

	// Headers contains response headers
	Headers map[string][]string

	// Body is the response body
	Body []byte

	// Metadata contains transport-specific data (request ID, retry count)
	Metadata map[string]interface{}
}

// IsSuccess reports whether the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Standard metadata keys used across transports
const (
	// MetadataRequestID is the X-Request-ID sent with the request
	MetadataRequestID = "request_id"

	// MetadataRetryCount is the number of retries performed for this request
	MetadataRetryCount = "retry_count"
)

// RateLimiter provides rate limiting for transport requests.
// Implementations should block until a request is allowed.
// *rate.Limiter from golang.org/x/time/rate satisfies this interface.
type RateLimiter interface {
	// Wait blocks until a request is allowed under the rate limit.
	// Returns an error if the context is cancelled before the request can proceed.
	Wait(ctx context.Context) error
}
