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

package log

import (
	"context"
	"log/slog"
	"time"
)

// ToolCall describes an incoming MCP tool invocation for logging purposes.
type ToolCall struct {
	// Tool is the MCP tool name (e.g., "create_job").
	Tool string

	// Handle is the job or service identifier, when the tool takes one.
	Handle string

	// Session is the MCP client session ID, if known.
	Session string

	// Metadata contains additional request metadata.
	Metadata map[string]interface{}
}

// ToolOutcome describes the result of a tool invocation for logging purposes.
type ToolOutcome struct {
	// Success indicates whether the tool returned a non-error result.
	Success bool

	// Kind is the error kind for failed calls.
	Kind string

	// Error is the user-facing error message if the call failed.
	Error string

	// DurationMs is the duration of the call in milliseconds.
	DurationMs int64

	// Metadata contains additional response metadata.
	Metadata map[string]interface{}
}

// LogToolCall logs an incoming tool invocation.
func LogToolCall(logger *slog.Logger, call *ToolCall) {
	attrs := []any{
		EventKey, "tool_call",
		ToolKey, call.Tool,
	}

	if call.Handle != "" {
		attrs = append(attrs, "handle", call.Handle)
	}

	if call.Session != "" {
		attrs = append(attrs, "session", call.Session)
	}

	for k, v := range call.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Debug("tool call received", attrs...)
}

// LogToolResult logs the completion of a tool invocation.
// Failed calls are logged at warn level: they are expected outcomes
// (validation failures, upstream 4xx) rather than server faults.
func LogToolResult(logger *slog.Logger, call *ToolCall, outcome *ToolOutcome) {
	attrs := []any{
		EventKey, "tool_result",
		ToolKey, call.Tool,
		"success", outcome.Success,
		DurationKey, outcome.DurationMs,
	}

	if call.Handle != "" {
		attrs = append(attrs, "handle", call.Handle)
	}

	if outcome.Kind != "" {
		attrs = append(attrs, "kind", outcome.Kind)
	}

	if outcome.Error != "" {
		attrs = append(attrs, "error", outcome.Error)
	}

	for k, v := range outcome.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "tool call completed"

	if !outcome.Success {
		level = slog.LevelWarn
		message = "tool call failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}

// ToolMiddleware wraps tool handlers with logging.
// It logs the call when it arrives and the outcome when it completes.
type ToolMiddleware struct {
	logger *slog.Logger
}

// NewToolMiddleware creates a new tool logging middleware.
func NewToolMiddleware(logger *slog.Logger) *ToolMiddleware {
	return &ToolMiddleware{
		logger: logger,
	}
}

// Handle runs handler and logs the call and its outcome. handler returns
// the outcome to log; its Success, Kind and Error fields are kept and
// DurationMs is filled in.
func (m *ToolMiddleware) Handle(call *ToolCall, handler func() *ToolOutcome) *ToolOutcome {
	start := time.Now()

	// Log incoming call
	LogToolCall(m.logger, call)

	// Execute handler
	outcome := handler()
	if outcome == nil {
		outcome = &ToolOutcome{Success: true}
	}

	// Calculate duration
	outcome.DurationMs = time.Since(start).Milliseconds()

	// Log outcome
	LogToolResult(m.logger, call, outcome)

	return outcome
}
