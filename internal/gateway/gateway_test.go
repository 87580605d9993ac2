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

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/mstream-mcp/internal/log"
	"github.com/tombee/mstream-mcp/internal/transport"
)

// fakeTransport replays scripted outcomes and records every request.
type fakeTransport struct {
	mu       sync.Mutex
	outcomes []func() (*transport.Response, error)
	requests []*transport.Request
}

func (f *fakeTransport) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.outcomes) == 0 {
		return &transport.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	next := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	return next()
}

func (f *fakeTransport) Name() string                              { return "fake" }
func (f *fakeTransport) SetRateLimiter(limiter transport.RateLimiter) {}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func respond(code int, body string) func() (*transport.Response, error) {
	return func() (*transport.Response, error) {
		return &transport.Response{StatusCode: code, Body: []byte(body)}, nil
	}
}

func fail(errType transport.ErrorType, notSent bool) func() (*transport.Response, error) {
	return func() (*transport.Response, error) {
		return nil, &transport.TransportError{
			Type:      errType,
			Message:   "upstream did not respond within 10s",
			Retryable: errType == transport.ErrorTypeTimeout || errType == transport.ErrorTypeConnection,
			NotSent:   notSent,
		}
	}
}

// newTestGateway returns a gateway with instant backoff and recorded delays.
func newTestGateway(t *testing.T, ft *fakeTransport, maxRetries int) (*Gateway, *[]time.Duration) {
	t.Helper()
	var delays []time.Duration
	g, err := New(ft, Options{
		Retry: transport.RetryConfig{
			MaxRetries:    maxRetries,
			BackoffFactor: 100 * time.Millisecond,
			Sleep: func(ctx context.Context, d time.Duration) error {
				delays = append(delays, d)
				return ctx.Err()
			},
		},
		RequestID: func() string { return "req-fixed" },
	})
	require.NoError(t, err)
	return g, &delays
}

func requireGatewayError(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var gerr *Error
	require.True(t, errors.As(err, &gerr), "expected *gateway.Error, got %T", err)
	assert.Equal(t, kind, gerr.Kind, "error: %v", gerr)
	return gerr
}

func validJob() map[string]any {
	return map[string]any{
		"name": "ingest",
		"input_schema": map[string]any{
			"name": "in",
			"fields": []any{
				map[string]any{"name": "id", "type": "string", "required": true},
				map[string]any{"name": "count", "type": "integer"},
			},
		},
		"batch_config": map[string]any{"batch_size": 10},
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)

	_, err = New(&fakeTransport{}, Options{Retry: transport.RetryConfig{MaxRetries: -1}})
	assert.Error(t, err)

	g, err := New(&fakeTransport{}, Options{Retry: transport.DefaultRetryConfig()})
	require.NoError(t, err)
	assert.NotEmpty(t, g.requestID())
}

func TestStopJob_ReturnsBodyUnchanged(t *testing.T) {
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		respond(200, `{"status":"stopped"}`),
	}}
	g, _ := newTestGateway(t, ft, 3)

	res, err := g.StopJob(context.Background(), "job-123")
	require.NoError(t, err)

	assert.Equal(t, `{"status":"stopped"}`, string(res.Body))
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "req-fixed", res.RequestID)

	require.Equal(t, 1, ft.calls())
	req := ft.requests[0]
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/jobs/job-123/stop", req.Path)
	assert.Nil(t, req.Body)
	assert.Equal(t, "req-fixed", req.Metadata[transport.MetadataRequestID])
}

func TestJobAndServiceRoutes(t *testing.T) {
	tests := []struct {
		name       string
		run        func(g *Gateway) (*Result, error)
		wantMethod string
		wantPath   string
	}{
		{"list_jobs", func(g *Gateway) (*Result, error) { return g.ListJobs(context.Background()) }, "GET", "/jobs"},
		{"restart_job", func(g *Gateway) (*Result, error) { return g.RestartJob(context.Background(), "j1") }, "POST", "/jobs/j1/restart"},
		{"list_services", func(g *Gateway) (*Result, error) { return g.ListServices(context.Background()) }, "GET", "/services"},
		{"get_service", func(g *Gateway) (*Result, error) { return g.GetService(context.Background(), "s1") }, "GET", "/services/s1"},
		{"delete_service", func(g *Gateway) (*Result, error) { return g.DeleteService(context.Background(), "s1") }, "DELETE", "/services/s1"},
		{"escaped handle", func(g *Gateway) (*Result, error) { return g.GetService(context.Background(), "a/b c") }, "GET", "/services/a%2Fb%20c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{outcomes: []func() (*transport.Response, error){respond(200, `[]`)}}
			g, _ := newTestGateway(t, ft, 0)

			_, err := tt.run(g)
			require.NoError(t, err)
			require.Equal(t, 1, ft.calls())
			assert.Equal(t, tt.wantMethod, ft.requests[0].Method)
			assert.Equal(t, tt.wantPath, ft.requests[0].Path)
		})
	}
}

func TestGetService_NotFoundIsNotRetried(t *testing.T) {
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		respond(404, `{"message":"service svc-1 not found","code":"not_found"}`),
		respond(200, `{}`),
	}}
	g, delays := newTestGateway(t, ft, 3)

	_, err := g.GetService(context.Background(), "svc-1")

	gerr := requireGatewayError(t, err, KindNotFound)
	assert.Equal(t, 404, gerr.StatusCode)
	assert.Equal(t, "service svc-1 not found", gerr.Message)
	assert.Equal(t, "not_found", gerr.Details["code"])
	assert.Equal(t, 1, gerr.Attempts)
	assert.False(t, gerr.Retryable)
	assert.Equal(t, 1, ft.calls())
	assert.Empty(t, *delays)
}

func TestListServices_TimeoutsExhaustRetries(t *testing.T) {
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		fail(transport.ErrorTypeTimeout, false),
	}}
	g, delays := newTestGateway(t, ft, 2)

	_, err := g.ListServices(context.Background())

	gerr := requireGatewayError(t, err, KindUpstreamUnavailable)
	assert.True(t, gerr.Retryable)
	assert.Equal(t, 3, gerr.Attempts)
	assert.Equal(t, 3, ft.calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)

	// The last timeout is reachable through the cause chain.
	var terr *transport.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transport.ErrorTypeTimeout, terr.Type)

	var exhausted *transport.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.True(t, exhausted.Unreachable())
}

func TestListJobs_RetriesServerErrorsThenSucceeds(t *testing.T) {
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		respond(500, `{"detail":"boom"}`),
		respond(502, ``),
		respond(200, `{"jobs":[{"name":"ingest"}]}`),
	}}
	g, delays := newTestGateway(t, ft, 3)

	res, err := g.ListJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, `{"jobs":[{"name":"ingest"}]}`, string(res.Body))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, ft.calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestListJobs_ConstantServerErrorExhausts(t *testing.T) {
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		respond(503, `{"message":"maintenance"}`),
	}}
	g, _ := newTestGateway(t, ft, 2)

	_, err := g.ListJobs(context.Background())

	gerr := requireGatewayError(t, err, KindUpstreamUnavailable)
	assert.Equal(t, 503, gerr.StatusCode)
	assert.Equal(t, 3, gerr.Attempts)
	assert.Contains(t, gerr.Message, "maintenance")
	assert.Equal(t, 3, ft.calls())

	var exhausted *transport.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.False(t, exhausted.Unreachable())
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestListShapes(t *testing.T) {
	tests := []struct {
		name    string
		run     func(g *Gateway) (*Result, error)
		body    string
		wantErr bool
	}{
		{"jobs array", func(g *Gateway) (*Result, error) { return g.ListJobs(context.Background()) }, `[{"name":"a"}]`, false},
		{"jobs wrapped", func(g *Gateway) (*Result, error) { return g.ListJobs(context.Background()) }, `{"jobs":[]}`, false},
		{"jobs wrong key", func(g *Gateway) (*Result, error) { return g.ListJobs(context.Background()) }, `{"services":[]}`, true},
		{"jobs scalar", func(g *Gateway) (*Result, error) { return g.ListJobs(context.Background()) }, `"nope"`, true},
		{"jobs empty body", func(g *Gateway) (*Result, error) { return g.ListJobs(context.Background()) }, ``, true},
		{"services wrapped", func(g *Gateway) (*Result, error) { return g.ListServices(context.Background()) }, `{"services":[{"name":"s"}],"total":1}`, false},
		{"services not a list", func(g *Gateway) (*Result, error) { return g.ListServices(context.Background()) }, `{"services":{}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{outcomes: []func() (*transport.Response, error){respond(200, tt.body)}}
			g, _ := newTestGateway(t, ft, 3)

			res, err := tt.run(g)
			if tt.wantErr {
				gerr := requireGatewayError(t, err, KindUpstreamError)
				assert.Contains(t, gerr.Message, "unexpected response format")
				assert.Equal(t, 1, ft.calls(), "shape errors are not retried")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(res.Body))
		})
	}
}

func TestCreateJob_DuplicateFieldMakesNoCalls(t *testing.T) {
	ft := &fakeTransport{}
	g, _ := newTestGateway(t, ft, 3)

	payload := validJob()
	payload["input_schema"].(map[string]any)["fields"] = []any{
		map[string]any{"name": "id", "type": "string"},
		map[string]any{"name": "id", "type": "integer"},
	}

	_, err := g.CreateJob(context.Background(), payload)

	gerr := requireGatewayError(t, err, KindValidation)
	assert.Equal(t, "input_schema.fields[1].name", gerr.Path)
	assert.Contains(t, gerr.Message, "duplicate field name")
	assert.Equal(t, 0, ft.calls())
}

func TestCreateJob_LocalValidationMakesNoCalls(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(p map[string]any)
		wantPath string
	}{
		{
			name: "unrecognized type tag",
			mutate: func(p map[string]any) {
				p["input_schema"].(map[string]any)["fields"] = []any{map[string]any{"name": "x", "type": "uuid"}}
			},
			wantPath: "input_schema.fields[0].type",
		},
		{
			name:     "zero batch size",
			mutate:   func(p map[string]any) { p["batch_config"] = map[string]any{"batch_size": 0} },
			wantPath: "batch_config.batch_size",
		},
		{
			name:     "negative max concurrency",
			mutate:   func(p map[string]any) { p["batch_config"] = map[string]any{"batch_size": 1, "max_concurrency": -2} },
			wantPath: "batch_config.max_concurrency",
		},
		{
			name:     "missing name",
			mutate:   func(p map[string]any) { delete(p, "name") },
			wantPath: "name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTransport{}
			g, _ := newTestGateway(t, ft, 3)

			payload := validJob()
			tt.mutate(payload)
			_, err := g.CreateJob(context.Background(), payload)

			gerr := requireGatewayError(t, err, KindValidation)
			assert.Equal(t, tt.wantPath, gerr.Path)
			assert.False(t, gerr.Retryable)
			assert.Equal(t, 0, ft.calls())
		})
	}
}

func TestCreateJob_SendsNormalizedDefinition(t *testing.T) {
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		respond(201, `{"id":"job-1","name":"ingest"}`),
	}}
	g, _ := newTestGateway(t, ft, 3)

	payload := validJob()
	payload["input_schema"].(map[string]any)["fields"].([]any)[1].(map[string]any)["type"] = "INTEGER"

	res, err := g.CreateJob(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 201, res.StatusCode)
	assert.Equal(t, `{"id":"job-1","name":"ingest"}`, string(res.Body))

	require.Equal(t, 1, ft.calls())
	var sent map[string]any
	require.NoError(t, json.Unmarshal(ft.requests[0].Body, &sent))
	fields := sent["input_schema"].(map[string]any)["fields"].([]any)
	assert.Equal(t, "integer", fields[1].(map[string]any)["type"])
	assert.Equal(t, float64(10), sent["batch_config"].(map[string]any)["batch_size"])
}

func TestCreateCalls_RetryPolicy(t *testing.T) {
	service := map[string]any{"name": "svc", "endpoint": "http://svc.local:9000"}

	tests := []struct {
		name      string
		outcomes  []func() (*transport.Response, error)
		wantCalls int
		wantKind  Kind
	}{
		{
			name:      "server error is not retried",
			outcomes:  []func() (*transport.Response, error){respond(503, `{"message":"busy"}`), respond(201, `{}`)},
			wantCalls: 1,
			wantKind:  KindUpstreamError,
		},
		{
			name:      "timeout is not retried",
			outcomes:  []func() (*transport.Response, error){fail(transport.ErrorTypeTimeout, false), respond(201, `{}`)},
			wantCalls: 1,
			wantKind:  KindUpstreamUnavailable,
		},
		{
			name:      "dial failure is retried",
			outcomes:  []func() (*transport.Response, error){fail(transport.ErrorTypeConnection, true), respond(201, `{"id":"s"}`)},
			wantCalls: 2,
		},
		{
			name:      "dial failure exhausts",
			outcomes:  []func() (*transport.Response, error){fail(transport.ErrorTypeConnection, true)},
			wantCalls: 4,
			wantKind:  KindUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		for _, op := range []string{OpCreateJob, OpCreateService} {
			t.Run(op+"/"+tt.name, func(t *testing.T) {
				ft := &fakeTransport{outcomes: tt.outcomes}
				g, _ := newTestGateway(t, ft, 3)

				var err error
				if op == OpCreateJob {
					_, err = g.CreateJob(context.Background(), validJob())
				} else {
					_, err = g.CreateService(context.Background(), service)
				}

				if tt.wantKind == "" {
					require.NoError(t, err)
				} else {
					requireGatewayError(t, err, tt.wantKind)
				}
				assert.Equal(t, tt.wantCalls, ft.calls())
			})
		}
	}
}

func TestHandles_EmptyRejected(t *testing.T) {
	ft := &fakeTransport{}
	g, _ := newTestGateway(t, ft, 3)

	ops := map[string]func() (*Result, error){
		"stop_job":       func() (*Result, error) { return g.StopJob(context.Background(), "") },
		"restart_job":    func() (*Result, error) { return g.RestartJob(context.Background(), "  ") },
		"get_service":    func() (*Result, error) { return g.GetService(context.Background(), "") },
		"delete_service": func() (*Result, error) { return g.DeleteService(context.Background(), "") },
	}
	for name, run := range ops {
		t.Run(name, func(t *testing.T) {
			_, err := run()
			gerr := requireGatewayError(t, err, KindValidation)
			assert.NotEmpty(t, gerr.Path)
		})
	}
	assert.Equal(t, 0, ft.calls())
}

func TestMalformedSuccessBody(t *testing.T) {
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		func() (*transport.Response, error) {
			return nil, &transport.TransportError{Type: transport.ErrorTypeMalformed, StatusCode: 200, Message: "upstream returned a response body that is not valid JSON"}
		},
	}}
	g, _ := newTestGateway(t, ft, 3)

	_, err := g.GetService(context.Background(), "svc")
	gerr := requireGatewayError(t, err, KindUpstreamError)
	assert.Equal(t, 200, gerr.StatusCode)
	assert.Equal(t, 1, ft.calls())
}

func TestOperationSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		respond(404, `{"detail":"missing"}`),
	}}
	g, err := New(ft, Options{Retry: transport.RetryConfig{MaxRetries: 1}, TracerProvider: tp})
	require.NoError(t, err)

	_, _ = g.GetService(context.Background(), "svc-1")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "mstream.get_service", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "not_found", attrs["mstream.error.kind"])
	assert.Equal(t, "svc-1", attrs["mstream.service.id"])
	assert.Equal(t, int64(404), attrs["http.response.status_code"])
}

func logEntries(t *testing.T, buf *bytes.Buffer) map[string]map[string]any {
	t.Helper()
	entries := map[string]map[string]any{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries[entry["msg"].(string)] = entry
	}
	return entries
}

func TestOperationLogging(t *testing.T) {
	var buf bytes.Buffer
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		respond(201, `{"id":"job-1"}`),
		respond(404, `{"message":"no such job"}`),
	}}
	g, err := New(ft, Options{
		Logger:    log.New(&log.Config{Level: "trace", Format: log.FormatJSON, Output: &buf}),
		RequestID: func() string { return "req-fixed" },
	})
	require.NoError(t, err)

	_, err = g.CreateJob(context.Background(), validJob())
	require.NoError(t, err)
	_, err = g.StopJob(context.Background(), "job-1")
	requireGatewayError(t, err, KindNotFound)

	entries := logEntries(t, &buf)

	reqBody, ok := entries["upstream request body"]
	require.True(t, ok, "request body not logged at trace level")
	assert.Contains(t, reqBody["body"], `"name":"ingest"`)

	respBody, ok := entries["upstream response body"]
	require.True(t, ok, "response body not logged at trace level")
	assert.Equal(t, `{"id":"job-1"}`, respBody["body"])

	failed, ok := entries["upstream call failed"]
	require.True(t, ok)
	assert.Equal(t, string(KindNotFound), failed["kind"])
	assert.Equal(t, false, failed["retryable"])
	assert.Equal(t, float64(404), failed[log.StatusKey])
	assert.Equal(t, "req-fixed", failed[log.RequestIDKey])
}

func TestOperationLogging_InfoHidesBodies(t *testing.T) {
	var buf bytes.Buffer
	g, err := New(&fakeTransport{}, Options{
		Logger: log.New(&log.Config{Level: "info", Format: log.FormatJSON, Output: &buf}),
	})
	require.NoError(t, err)

	_, err = g.CreateJob(context.Background(), validJob())
	require.NoError(t, err)

	entries := logEntries(t, &buf)
	assert.NotContains(t, entries, "upstream request body")
	assert.NotContains(t, entries, "upstream response body")
	assert.Contains(t, entries, "upstream call succeeded")
}

func TestOperationMetrics(t *testing.T) {
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){
		respond(500, ``),
		respond(200, `{"status":"restarted"}`),
	}}
	g, _ := newTestGateway(t, ft, 3)

	okBefore := testutil.ToFloat64(operationsTotal.WithLabelValues(OpRestartJob, "ok"))
	retriesBefore := testutil.ToFloat64(retriesTotal.WithLabelValues(OpRestartJob))

	_, err := g.RestartJob(context.Background(), "job-9")
	require.NoError(t, err)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(operationsTotal.WithLabelValues(OpRestartJob, "ok")))
	assert.Equal(t, retriesBefore+1, testutil.ToFloat64(retriesTotal.WithLabelValues(OpRestartJob)))
}

func TestCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ft := &fakeTransport{outcomes: []func() (*transport.Response, error){respond(503, ``)}}
	g, err := New(ft, Options{Retry: transport.RetryConfig{
		MaxRetries:    5,
		BackoffFactor: time.Hour,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}})
	require.NoError(t, err)

	_, err = g.ListJobs(ctx)
	requireGatewayError(t, err, KindUpstreamUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ft.calls())
}

// TestEndToEnd_HTTPTransport runs the gateway over the real HTTP transport.
func TestEndToEnd_HTTPTransport(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.Method+" "+r.URL.Path]++
		n := hits[r.Method+" "+r.URL.Path]
		mu.Unlock()

		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/jobs/job-123/stop":
			w.Write([]byte(`{"status":"stopped"}`))
		case "/services":
			if n < 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"services":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"Service not found"}`))
		}
	}))
	defer server.Close()

	tr, err := transport.NewHTTPTransport(transport.HTTPTransportConfig{BaseURL: server.URL, Token: "tkn", Timeout: time.Second})
	require.NoError(t, err)
	g, err := New(tr, Options{Retry: transport.RetryConfig{MaxRetries: 3, BackoffFactor: time.Millisecond}})
	require.NoError(t, err)

	res, err := g.StopJob(context.Background(), "job-123")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"stopped"}`, string(res.Body))

	res, err = g.ListServices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	_, err = g.GetService(context.Background(), "missing")
	gerr := requireGatewayError(t, err, KindNotFound)
	assert.Equal(t, "Service not found", gerr.Message)
	assert.Equal(t, 1, hits["GET /services/missing"])
}
