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

package tracing

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// restoreGlobals puts the global provider and propagator back after a test.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestSetup_None(t *testing.T) {
	restoreGlobals(t)

	tp, shutdown, err := Setup(context.Background(), Config{Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if tp == nil || shutdown == nil {
		t.Fatal("Setup() returned nil provider or shutdown")
	}

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	if span.SpanContext().IsValid() {
		t.Error("no-op provider should not produce valid spans")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	if !containsString(fields, "traceparent") {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
}

func TestSetup_Stdout(t *testing.T) {
	restoreGlobals(t)

	var buf bytes.Buffer
	tp, shutdown, err := Setup(context.Background(), Config{
		Exporter:       ExporterStdout,
		SampleRatio:    1,
		ServiceVersion: "1.0.0",
		Writer:         &buf,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	_, span := tp.Tracer("test").Start(context.Background(), "mstream.list_jobs")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "mstream.list_jobs") {
		t.Errorf("exported spans should contain the span name, got %q", out)
	}
	if !strings.Contains(out, "mstream-mcp") {
		t.Errorf("exported spans should carry the default service name, got %q", out)
	}
	if otel.GetTracerProvider() != tp {
		t.Error("Setup() should install the provider globally")
	}
}

func TestSetup_Errors(t *testing.T) {
	restoreGlobals(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown exporter", Config{Exporter: "zipkin"}},
		{"otlp without endpoint", Config{Exporter: ExporterOTLP}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Setup(context.Background(), tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name        string
		ratio       float64
		wantSampled bool
	}{
		{"always", 1.0, true},
		{"above one", 2.0, true},
		{"never", 0, false},
		{"negative", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := tracetest.NewSpanRecorder()
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithSampler(NewSampler(tt.ratio)),
				sdktrace.WithSpanProcessor(recorder),
			)
			_, span := tp.Tracer("test").Start(context.Background(), "op")
			span.End()

			if got := len(recorder.Ended()) == 1; got != tt.wantSampled {
				t.Errorf("sampled = %v, want %v", got, tt.wantSampled)
			}
		})
	}
}

func TestHTTPMiddleware_ExtractsTraceContext(t *testing.T) {
	restoreGlobals(t)
	otel.SetTextMapPropagator(W3CPropagator())

	var got trace.SpanContext
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = trace.SpanContextFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !got.IsValid() {
		t.Fatal("expected a remote span context")
	}
	if got.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got.TraceID())
	}
	if !got.IsRemote() {
		t.Error("extracted span context should be remote")
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
