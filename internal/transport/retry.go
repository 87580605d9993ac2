package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryMode selects which failures are retried.
type RetryMode int

const (
	// RetryAll retries transport failures and 5xx responses. Used for
	// reads and for operations the upstream treats as idempotent.
	RetryAll RetryMode = iota

	// RetryUnsentOnly retries only transport failures where the request
	// never left the client. Used for creation calls, where a lost
	// response to a delivered request must not produce a duplicate.
	RetryUnsentOnly

	// RetryNever performs a single attempt.
	RetryNever
)

// String returns the mode name used in logs.
func (m RetryMode) String() string {
	switch m {
	case RetryAll:
		return "all"
	case RetryUnsentOnly:
		return "unsent_only"
	case RetryNever:
		return "never"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// RetryConfig configures retry behavior for one logical call.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	// (default: 3). Total attempts are MaxRetries + 1.
	MaxRetries int

	// BackoffFactor scales the wait after attempt i (0-indexed):
	// BackoffFactor * 2^i (default: 500ms)
	BackoffFactor time.Duration

	// Mode selects which failures are retried (default: RetryAll)
	Mode RetryMode

	// OnRetry, if set, is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, resp *Response, err error)

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BackoffFactor: 500 * time.Millisecond,
		Mode:          RetryAll,
	}
}

// Validate checks if the retry configuration is valid.
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.BackoffFactor < 0 {
		return fmt.Errorf("backoff_factor must be non-negative, got %v", c.BackoffFactor)
	}
	return nil
}

// WithMode returns a copy of c using mode m.
func (c RetryConfig) WithMode(m RetryMode) RetryConfig {
	c.Mode = m
	return c
}

// BackoffDelay returns the wait after attempt i (0-indexed): factor * 2^i.
func BackoffDelay(factor time.Duration, attempt int) time.Duration {
	if factor <= 0 || attempt < 0 {
		return 0
	}
	delay := factor
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Attempt performs a single attempt. attempt is 0-indexed. An attempt that
// returns neither a response nor an error is treated as a malformed
// response and is not retried.
type Attempt func(ctx context.Context, attempt int) (*Response, error)

// WithRetry runs fn until it produces a non-retryable outcome or the attempt
// budget is spent.
//
// Retry behavior:
// - Retries transport failures marked Retryable (connection, timeout)
// - Retries 5xx responses in RetryAll mode
// - Never retries 4xx responses; they are returned as the response
// - In RetryUnsentOnly mode, retries only transport failures with NotSent set
// - Stops immediately on context cancellation, including during backoff
//
// On exhaustion it returns *ExhaustedError carrying the last failure.
func WithRetry(ctx context.Context, config RetryConfig, fn Attempt) (*Response, error) {
	attempts := config.MaxRetries + 1
	if attempts < 1 || config.Mode == RetryNever {
		attempts = 1
	}

	sleep := config.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastResp *Response
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &TransportError{
				Type:    ErrorTypeCancelled,
				Message: "request cancelled before attempt",
				Cause:   err,
			}
		}

		resp, err := fn(ctx, attempt)
		if err == nil && resp == nil {
			err = &TransportError{
				Type:    ErrorTypeMalformed,
				Message: "transport returned neither a response nor an error",
			}
		}
		if err == nil {
			if resp.Metadata == nil {
				resp.Metadata = make(map[string]interface{})
			}
			resp.Metadata[MetadataRetryCount] = attempt
			if !config.retryableStatus(resp.StatusCode) {
				return resp, nil
			}
			lastResp, lastErr = resp, nil
		} else {
			if !config.retryableError(err) {
				return nil, err
			}
			lastResp, lastErr = nil, err
		}

		if attempt == attempts-1 {
			break
		}

		delay := BackoffDelay(config.BackoffFactor, attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, delay, lastResp, lastErr)
		}

		if err := sleep(ctx, delay); err != nil {
			return nil, &TransportError{
				Type:    ErrorTypeCancelled,
				Message: "request cancelled during retry backoff",
				Cause:   err,
			}
		}
	}

	return nil, &ExhaustedError{
		Attempts:     attempts,
		LastResponse: lastResp,
		LastErr:      lastErr,
	}
}

func (c RetryConfig) retryableStatus(statusCode int) bool {
	return c.Mode == RetryAll && statusCode >= 500
}

func (c RetryConfig) retryableError(err error) bool {
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		// Unknown error type - don't retry
		return false
	}
	if !transportErr.IsRetryable() {
		return false
	}
	switch c.Mode {
	case RetryAll:
		return true
	case RetryUnsentOnly:
		return transportErr.NotSent
	default:
		return false
	}
}

// sleepContext waits for d, returning early with ctx.Err() if ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
