package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 10 << 20

// HTTPTransport implements the Transport interface for the mstream API.
// It carries the bearer token, applies the per-attempt timeout and shares
// one pooled http.Client across all concurrent calls.
type HTTPTransport struct {
	config      HTTPTransportConfig
	baseURL     string
	client      *http.Client
	rateLimiter RateLimiter
	logger      *slog.Logger
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	// BaseURL is the base URL of the API (required), e.g. "http://localhost"
	BaseURL string

	// Port overrides the port of BaseURL when non-zero
	Port int

	// Token is sent as "Authorization: Bearer <token>" when non-empty
	Token string

	// Timeout bounds each attempt (default: 10s)
	Timeout time.Duration

	// UserAgent is sent with every request
	UserAgent string

	// Headers are default headers applied to all requests
	Headers map[string]string

	// RequestsPerSecond limits outbound attempts when positive
	RequestsPerSecond float64

	// Logger receives per-attempt debug logs (default: slog.Default())
	Logger *slog.Logger

	// Client replaces the pooled http.Client (tests)
	Client *http.Client
}

// Validate checks if the configuration is valid.
func (c *HTTPTransportConfig) Validate() error {
	if _, err := ResolveBaseURL(c.BaseURL, c.Port); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative, got %v", c.Timeout)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be non-negative, got %v", c.RequestsPerSecond)
	}
	return nil
}

// ResolveBaseURL combines a base URL and an optional port into the URL all
// request paths are resolved against. The result has no trailing slash.
func ResolveBaseURL(base string, port int) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base_url is required")
	}

	parsedURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base_url: %w", err)
	}

	// BaseURL must have scheme and host
	if parsedURL.Scheme == "" {
		return "", fmt.Errorf("base_url must include scheme (http:// or https://)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", fmt.Errorf("base_url scheme must be http or https, got %q", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("base_url must include host")
	}

	if port < 0 || port > 65535 {
		return "", fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	if port > 0 {
		parsedURL.Host = net.JoinHostPort(parsedURL.Hostname(), strconv.Itoa(port))
	}

	parsedURL.RawQuery = ""
	parsedURL.Fragment = ""
	return strings.TrimRight(parsedURL.String(), "/"), nil
}

// NewHTTPTransport creates a new HTTP transport with the given configuration.
func NewHTTPTransport(config HTTPTransportConfig) (*HTTPTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	baseURL, _ := ResolveBaseURL(config.BaseURL, config.Port)

	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := config.Client
	if client == nil {
		// The per-attempt timeout is applied through the request context,
		// so the client itself has none.
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				// Connection pool settings
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,

				// Timeouts
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}

	t := &HTTPTransport{
		config:  config,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}

	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		t.rateLimiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return t, nil
}

// Name returns "http".
func (t *HTTPTransport) Name() string {
	return "http"
}

// BaseURL returns the resolved base URL.
func (t *HTTPTransport) BaseURL() string {
	return t.baseURL
}

// SetRateLimiter configures rate limiting for this transport.
func (t *HTTPTransport) SetRateLimiter(limiter RateLimiter) {
	t.rateLimiter = limiter
}

// Execute sends one HTTP request and returns the received response,
// whatever its status code.
func (t *HTTPTransport) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, &TransportError{
			Type:    ErrorTypeInvalidReq,
			Message: fmt.Sprintf("invalid request: %s", err.Error()),
			Cause:   err,
		}
	}
	requestID, _ := req.Metadata[MetadataRequestID].(string)

	// Apply rate limiting if configured
	if t.rateLimiter != nil {
		if err := t.rateLimiter.Wait(ctx); err != nil {
			return nil, &TransportError{
				Type:      ErrorTypeCancelled,
				Message:   "rate limit wait cancelled",
				RequestID: requestID,
				Cause:     err,
			}
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	httpReq, err := t.buildHTTPRequest(attemptCtx, req)
	if err != nil {
		return nil, &TransportError{
			Type:      ErrorTypeInvalidReq,
			Message:   "failed to build HTTP request",
			RequestID: requestID,
			Cause:     err,
		}
	}

	start := time.Now()
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		terr := t.classifyHTTPError(ctx, err)
		terr.RequestID = requestID
		recordAttempt(req.Method, string(terr.Type), time.Since(start))
		t.logger.Debug("upstream attempt failed",
			"method", req.Method,
			"path", req.Path,
			"request_id", requestID,
			"error_type", terr.Type,
			"error", err,
		)
		return nil, terr
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		terr := t.classifyHTTPError(ctx, err)
		if terr.IsType(ErrorTypeConnection) {
			terr.Message = "failed to read response body"
		}
		terr.NotSent = false
		terr.RequestID = requestID
		recordAttempt(req.Method, string(terr.Type), time.Since(start))
		return nil, terr
	}

	duration := time.Since(start)
	recordAttempt(req.Method, statusClass(httpResp.StatusCode), duration)
	t.logger.Debug("upstream attempt",
		"method", req.Method,
		"path", req.Path,
		"request_id", requestID,
		"status", httpResp.StatusCode,
		"duration_ms", duration.Milliseconds(),
	)

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		Metadata:   make(map[string]interface{}),
	}
	if requestID != "" {
		resp.Metadata[MetadataRequestID] = requestID
	}

	if resp.IsSuccess() && len(bytes.TrimSpace(body)) > 0 && !json.Valid(body) {
		return nil, &TransportError{
			Type:       ErrorTypeMalformed,
			StatusCode: httpResp.StatusCode,
			Message:    "upstream returned a response body that is not valid JSON",
			RequestID:  requestID,
		}
	}

	return resp, nil
}

// validateRequest checks if the request is valid.
func validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if req.Method == "" {
		return fmt.Errorf("method is required")
	}

	validMethods := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
	}
	if !validMethods[req.Method] {
		return fmt.Errorf("invalid HTTP method: %q", req.Method)
	}

	if req.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// buildHTTPRequest constructs an http.Request from a transport Request.
func (t *HTTPTransport) buildHTTPRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}

	target := t.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Accept", "application/json")
	if t.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", t.config.UserAgent)
	}

	// Apply default headers from config
	for key, value := range t.config.Headers {
		httpReq.Header.Set(key, value)
	}

	// Apply request headers (override defaults)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if requestID, ok := req.Metadata[MetadataRequestID].(string); ok && requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}

	if t.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.Token)
	}

	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	return httpReq, nil
}

// classifyHTTPError classifies HTTP client errors into TransportError types.
// parent is the caller's context, used to tell cancellation apart from the
// per-attempt timeout.
func (t *HTTPTransport) classifyHTTPError(parent context.Context, err error) *TransportError {
	if parent.Err() != nil {
		return &TransportError{
			Type:    ErrorTypeCancelled,
			Message: "request cancelled",
			Cause:   err,
		}
	}

	notSent := isDialError(err)

	if isTimeoutError(err) {
		return &TransportError{
			Type:      ErrorTypeTimeout,
			Message:   fmt.Sprintf("upstream did not respond within %s", t.config.Timeout),
			Retryable: true,
			NotSent:   notSent,
			Cause:     err,
		}
	}

	return &TransportError{
		Type:      ErrorTypeConnection,
		Message:   "connection to upstream failed",
		Retryable: true,
		NotSent:   notSent,
		Cause:     err,
	}
}

// isTimeoutError checks if an error is a timeout error.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// isDialError reports whether err happened while establishing the
// connection, before any request bytes were written.
func isDialError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
