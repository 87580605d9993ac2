// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway implements the job and service operations exposed as MCP
// tools. Each operation validates its input, sends the request through the
// retry controller and maps any failure to an *Error.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/mstream-mcp/internal/log"
	"github.com/tombee/mstream-mcp/internal/schema"
	"github.com/tombee/mstream-mcp/internal/transport"
)

const tracerName = "github.com/tombee/mstream-mcp/internal/gateway"

// Operation names, shared with the MCP tool names.
const (
	OpListJobs      = "list_jobs"
	OpCreateJob     = "create_job"
	OpStopJob       = "stop_job"
	OpRestartJob    = "restart_job"
	OpListServices  = "list_services"
	OpGetService    = "get_service"
	OpCreateService = "create_service"
	OpDeleteService = "delete_service"
)

// Result is a successful upstream response. Body is the upstream JSON,
// unchanged; it is empty when the upstream sent no body.
type Result struct {
	StatusCode int
	Body       json.RawMessage
	RequestID  string
	Attempts   int
}

// Options configures a Gateway.
type Options struct {
	// Retry is the retry policy for idempotent operations. Creation calls
	// use the same budget in RetryUnsentOnly mode.
	Retry transport.RetryConfig

	// Logger receives operation logs (default: discard)
	Logger *slog.Logger

	// TracerProvider supplies the operation tracer (default: otel global)
	TracerProvider trace.TracerProvider

	// RequestID generates the X-Request-ID for each call (default: uuid v4)
	RequestID func() string
}

// Gateway runs the eight job and service operations against one transport.
// It is safe for concurrent use and holds no per-call state.
type Gateway struct {
	transport transport.Transport
	retry     transport.RetryConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	requestID func() string
}

// New creates a Gateway over t.
func New(t transport.Transport, opts Options) (*Gateway, error) {
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	requestID := opts.RequestID
	if requestID == nil {
		requestID = func() string { return uuid.New().String() }
	}

	return &Gateway{
		transport: t,
		retry:     opts.Retry,
		logger:    log.WithComponent(logger, "gateway"),
		tracer:    tp.Tracer(tracerName),
		requestID: requestID,
	}, nil
}

// ListJobs returns every job known to the upstream.
func (g *Gateway) ListJobs(ctx context.Context) (*Result, error) {
	return g.call(ctx, call{
		op:     OpListJobs,
		method: "GET",
		path:   "/jobs",
		mode:   transport.RetryAll,
		check:  listShape("jobs"),
	})
}

// CreateJob validates payload as a job definition and submits it.
// Nothing is sent when validation fails.
func (g *Gateway) CreateJob(ctx context.Context, payload map[string]any) (*Result, error) {
	def, err := schema.ParseJobDefinition(payload)
	if err != nil {
		return nil, g.rejected(ctx, OpCreateJob, err)
	}
	body, err := json.Marshal(def)
	if err != nil {
		return nil, g.rejected(ctx, OpCreateJob, fmt.Errorf("encode job definition: %w", err))
	}
	return g.call(ctx, call{
		op:     OpCreateJob,
		method: "POST",
		path:   "/jobs",
		body:   body,
		mode:   transport.RetryUnsentOnly,
		attrs:  []attribute.KeyValue{attribute.String("mstream.job.name", def.Name)},
	})
}

// StopJob stops the job identified by jobID.
func (g *Gateway) StopJob(ctx context.Context, jobID string) (*Result, error) {
	return g.jobAction(ctx, OpStopJob, jobID, "stop")
}

// RestartJob restarts the job identified by jobID.
func (g *Gateway) RestartJob(ctx context.Context, jobID string) (*Result, error) {
	return g.jobAction(ctx, OpRestartJob, jobID, "restart")
}

func (g *Gateway) jobAction(ctx context.Context, op, jobID, action string) (*Result, error) {
	if err := schema.ValidateHandle("job_id", jobID); err != nil {
		return nil, g.rejected(ctx, op, err)
	}
	return g.call(ctx, call{
		op:     op,
		method: "POST",
		path:   "/jobs/" + url.PathEscape(jobID) + "/" + action,
		mode:   transport.RetryAll,
		attrs:  []attribute.KeyValue{attribute.String("mstream.job.id", jobID)},
	})
}

// ListServices returns every registered service.
func (g *Gateway) ListServices(ctx context.Context) (*Result, error) {
	return g.call(ctx, call{
		op:     OpListServices,
		method: "GET",
		path:   "/services",
		mode:   transport.RetryAll,
		check:  listShape("services"),
	})
}

// GetService returns the service identified by serviceID.
func (g *Gateway) GetService(ctx context.Context, serviceID string) (*Result, error) {
	return g.serviceCall(ctx, OpGetService, "GET", serviceID)
}

// CreateService validates payload as a service definition and registers it.
// Nothing is sent when validation fails.
func (g *Gateway) CreateService(ctx context.Context, payload map[string]any) (*Result, error) {
	def, err := schema.ParseServiceDefinition(payload)
	if err != nil {
		return nil, g.rejected(ctx, OpCreateService, err)
	}
	body, err := json.Marshal(def)
	if err != nil {
		return nil, g.rejected(ctx, OpCreateService, fmt.Errorf("encode service definition: %w", err))
	}
	return g.call(ctx, call{
		op:     OpCreateService,
		method: "POST",
		path:   "/services",
		body:   body,
		mode:   transport.RetryUnsentOnly,
		attrs:  []attribute.KeyValue{attribute.String("mstream.service.name", def.Name)},
	})
}

// DeleteService removes the service identified by serviceID.
func (g *Gateway) DeleteService(ctx context.Context, serviceID string) (*Result, error) {
	return g.serviceCall(ctx, OpDeleteService, "DELETE", serviceID)
}

func (g *Gateway) serviceCall(ctx context.Context, op, method, serviceID string) (*Result, error) {
	if err := schema.ValidateHandle("service_id", serviceID); err != nil {
		return nil, g.rejected(ctx, op, err)
	}
	return g.call(ctx, call{
		op:     op,
		method: method,
		path:   "/services/" + url.PathEscape(serviceID),
		mode:   transport.RetryAll,
		attrs:  []attribute.KeyValue{attribute.String("mstream.service.id", serviceID)},
	})
}

// call describes one upstream operation.
type call struct {
	op     string
	method string
	path   string
	body   []byte
	mode   transport.RetryMode
	attrs  []attribute.KeyValue

	// check, if set, validates the shape of a 2xx body
	check func(body []byte) error
}

func (g *Gateway) call(ctx context.Context, c call) (*Result, error) {
	requestID := g.requestID()
	logger := log.WithOperation(g.logger, c.op, requestID)

	ctx, span := g.tracer.Start(ctx, "mstream."+c.op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", c.method),
			attribute.String("mstream.request_id", requestID),
			attribute.String("mstream.retry_mode", c.mode.String()),
		),
		trace.WithAttributes(c.attrs...),
	)
	defer span.End()

	req := &transport.Request{
		Method:   c.method,
		Path:     c.path,
		Body:     c.body,
		Metadata: map[string]interface{}{transport.MetadataRequestID: requestID},
	}

	retry := g.retry.WithMode(c.mode)
	retry.OnRetry = func(attempt int, delay time.Duration, resp *transport.Response, err error) {
		attrs := []slog.Attr{
			log.Int("attempt", attempt+1),
			log.Duration("backoff", delay.Milliseconds()),
		}
		if resp != nil {
			attrs = append(attrs, log.Int(log.StatusKey, resp.StatusCode))
		}
		if err != nil {
			attrs = append(attrs, log.Error(err))
		}
		logger.LogAttrs(ctx, slog.LevelWarn, "retrying upstream call", attrs...)
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt+1)))
		recordRetry(c.op)
	}

	if c.body != nil {
		log.Trace(logger, "upstream request body", log.String("body", string(c.body)))
	}

	attempts := 0
	start := time.Now()
	resp, err := transport.WithRetry(ctx, retry, func(ctx context.Context, attempt int) (*transport.Response, error) {
		attempts = attempt + 1
		return g.transport.Execute(ctx, req)
	})
	duration := time.Since(start)
	span.SetAttributes(attribute.Int("mstream.attempts", attempts))

	var gerr *Error
	switch {
	case err != nil:
		gerr = MapError(err)
	case !resp.IsSuccess():
		gerr = MapResponse(resp.StatusCode, resp.Body)
	case c.check != nil:
		if cerr := c.check(resp.Body); cerr != nil {
			gerr = newError(KindUpstreamError, resp.StatusCode, "unexpected response format: "+cerr.Error())
			gerr.Cause = cerr
		}
	}

	if gerr != nil {
		gerr.Attempts = attempts
		return nil, g.failed(ctx, span, logger, c.op, gerr, duration)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	span.SetStatus(codes.Ok, "")
	recordOperation(c.op, "ok", duration)
	log.Trace(logger, "upstream response body", log.String("body", string(resp.Body)))
	logger.LogAttrs(ctx, slog.LevelInfo, "upstream call succeeded",
		log.Int(log.StatusKey, resp.StatusCode),
		log.Int(log.AttemptsKey, attempts),
		log.Duration("duration", duration.Milliseconds()),
	)

	return &Result{
		StatusCode: resp.StatusCode,
		Body:       json.RawMessage(resp.Body),
		RequestID:  requestID,
		Attempts:   attempts,
	}, nil
}

// rejected reports a failure detected before any request was built.
func (g *Gateway) rejected(ctx context.Context, op string, err error) error {
	gerr := MapError(err)
	_, span := g.tracer.Start(ctx, "mstream."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	return g.failed(ctx, span, log.WithOperation(g.logger, op, ""), op, gerr, 0)
}

func (g *Gateway) failed(ctx context.Context, span trace.Span, logger *slog.Logger, op string, gerr *Error, duration time.Duration) *Error {
	span.SetAttributes(attribute.String("mstream.error.kind", string(gerr.Kind)))
	if gerr.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", gerr.StatusCode))
	}
	span.RecordError(gerr)
	span.SetStatus(codes.Error, gerr.Message)
	recordOperation(op, string(gerr.Kind), duration)

	attrs := []slog.Attr{
		log.String("kind", string(gerr.Kind)),
		log.String("message", gerr.Message),
		log.Int(log.AttemptsKey, gerr.Attempts),
		log.Bool("retryable", gerr.Retryable),
		log.Duration("duration", duration.Milliseconds()),
	}
	if gerr.StatusCode != 0 {
		attrs = append(attrs, log.Int(log.StatusKey, gerr.StatusCode))
	}
	if gerr.Path != "" {
		attrs = append(attrs, log.String("path", gerr.Path))
	}
	if gerr.Cause != nil {
		attrs = append(attrs, log.Error(gerr.Cause))
	}

	level := slog.LevelWarn
	if gerr.Kind == KindUpstreamUnavailable || gerr.Kind == KindUpstreamError {
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "upstream call failed", attrs...)
	return gerr
}

// listShape accepts a JSON array or an object holding an array under key.
func listShape(key string) func([]byte) error {
	return func(body []byte) error {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return fmt.Errorf("expected a JSON list of %s", key)
		}
		switch v := decoded.(type) {
		case []any:
			return nil
		case map[string]any:
			if _, ok := v[key].([]any); ok {
				return nil
			}
		}
		return fmt.Errorf("expected a JSON array or an object with a %q array", key)
	}
}
