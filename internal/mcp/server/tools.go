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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/mstream-mcp/internal/gateway"
	"github.com/tombee/mstream-mcp/internal/log"
)

// Argument names
const (
	argJobID     = "job_id"
	argServiceID = "service_id"
	argPayload   = "payload"
)

var noArguments = mcp.ToolInputSchema{
	Type:       "object",
	Properties: map[string]interface{}{},
}

func handleSchema(name, description string) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]interface{}{
			name: map[string]interface{}{
				"type":        "string",
				"description": description,
			},
		},
		Required: []string{name},
	}
}

func payloadSchema(description string) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]interface{}{
			argPayload: map[string]interface{}{
				"type":        "object",
				"description": description,
			},
		},
		Required: []string{argPayload},
	}
}

// registerTools registers all job and service tools with the MCP server
func (s *Server) registerTools() {
	s.addTool(mcp.Tool{
		Name:        gateway.OpListJobs,
		Description: "List all streaming jobs known to the mstream API.",
		InputSchema: noArguments,
	}, s.handleListJobs)

	s.addTool(mcp.Tool{
		Name:        gateway.OpCreateJob,
		Description: "Create a streaming job. The payload needs a name, an input_schema with at least one typed field (string, number, integer, boolean, object, array), and optionally output_schema and batch_config (batch_size > 0, max_concurrency > 0). Invalid definitions are rejected before anything is sent.",
		InputSchema: payloadSchema("Job definition: {name, input_schema, output_schema?, batch_config?, metadata?}"),
	}, s.handleCreateJob)

	s.addTool(mcp.Tool{
		Name:        gateway.OpStopJob,
		Description: "Stop a running job.",
		InputSchema: handleSchema(argJobID, "Identifier of the job to stop"),
	}, s.handleStopJob)

	s.addTool(mcp.Tool{
		Name:        gateway.OpRestartJob,
		Description: "Restart a job.",
		InputSchema: handleSchema(argJobID, "Identifier of the job to restart"),
	}, s.handleRestartJob)

	s.addTool(mcp.Tool{
		Name:        gateway.OpListServices,
		Description: "List all registered services.",
		InputSchema: noArguments,
	}, s.handleListServices)

	s.addTool(mcp.Tool{
		Name:        gateway.OpGetService,
		Description: "Get a single service by identifier.",
		InputSchema: handleSchema(argServiceID, "Identifier of the service"),
	}, s.handleGetService)

	s.addTool(mcp.Tool{
		Name:        gateway.OpCreateService,
		Description: "Register a service. The payload needs a name and an http(s) endpoint, and optionally schemas and metadata.",
		InputSchema: payloadSchema("Service definition: {name, endpoint, schemas?, metadata?}"),
	}, s.handleCreateService)

	s.addTool(mcp.Tool{
		Name:        gateway.OpDeleteService,
		Description: "Delete a service.",
		InputSchema: handleSchema(argServiceID, "Identifier of the service to delete"),
	}, s.handleDeleteService)
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.tools = append(s.tools, tool)
	s.mcpServer.AddTool(tool, handler)
}

func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.invoke(ctx, gateway.OpListJobs, "", "", s.gateway.ListJobs), nil
}

func (s *Server) handleCreateJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, gerr := payloadArgument(request)
	if gerr != nil {
		return s.reject(ctx, gateway.OpCreateJob, gerr), nil
	}
	return s.invoke(ctx, gateway.OpCreateJob, "", "", func(ctx context.Context) (*gateway.Result, error) {
		return s.gateway.CreateJob(ctx, payload)
	}), nil
}

func (s *Server) handleStopJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleWithID(ctx, request, gateway.OpStopJob, argJobID, s.gateway.StopJob), nil
}

func (s *Server) handleRestartJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleWithID(ctx, request, gateway.OpRestartJob, argJobID, s.gateway.RestartJob), nil
}

func (s *Server) handleListServices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.invoke(ctx, gateway.OpListServices, "", "", s.gateway.ListServices), nil
}

func (s *Server) handleGetService(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleWithID(ctx, request, gateway.OpGetService, argServiceID, s.gateway.GetService), nil
}

func (s *Server) handleCreateService(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payload, gerr := payloadArgument(request)
	if gerr != nil {
		return s.reject(ctx, gateway.OpCreateService, gerr), nil
	}
	return s.invoke(ctx, gateway.OpCreateService, "", "", func(ctx context.Context) (*gateway.Result, error) {
		return s.gateway.CreateService(ctx, payload)
	}), nil
}

func (s *Server) handleDeleteService(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.handleWithID(ctx, request, gateway.OpDeleteService, argServiceID, s.gateway.DeleteService), nil
}

func (s *Server) handleWithID(ctx context.Context, request mcp.CallToolRequest, tool, arg string, op func(context.Context, string) (*gateway.Result, error)) *mcp.CallToolResult {
	id, gerr := idArgument(request, arg)
	if gerr != nil {
		return s.reject(ctx, tool, gerr)
	}
	return s.invoke(ctx, tool, arg, id, func(ctx context.Context) (*gateway.Result, error) {
		return op(ctx, id)
	})
}

// invoke runs one gateway call with rate limiting, logging and metrics, and
// renders its outcome as a tool result. handleKey and handle name the
// identifier argument, if the tool has one.
func (s *Server) invoke(ctx context.Context, tool, handleKey, handle string, fn func(context.Context) (*gateway.Result, error)) *mcp.CallToolResult {
	call := &log.ToolCall{Tool: tool, Handle: handle}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		call.Session = session.SessionID()
	}

	var result *mcp.CallToolResult
	s.middleware.Handle(call, func() *log.ToolOutcome {
		if s.limiter != nil && !s.limiter.Allow() {
			gerr := rateLimited()
			result = errorResponse(gerr)
			recordToolCall(tool, "rate_limited")
			return &log.ToolOutcome{Kind: string(gerr.Kind), Error: gerr.Message}
		}

		res, err := fn(ctx)
		if err != nil {
			gerr := gateway.MapError(err)
			result = errorResponse(gerr)
			recordToolCall(tool, string(gerr.Kind))
			return &log.ToolOutcome{Kind: string(gerr.Kind), Error: gerr.Message}
		}

		result = successResponse(res, handleKey, handle)
		recordToolCall(tool, "ok")
		return &log.ToolOutcome{
			Success: true,
			Metadata: map[string]interface{}{
				log.StatusKey:    res.StatusCode,
				log.AttemptsKey:  res.Attempts,
				log.RequestIDKey: res.RequestID,
			},
		}
	})
	return result
}

// reject renders an argument error detected before the gateway is called.
func (s *Server) reject(ctx context.Context, tool string, gerr *gateway.Error) *mcp.CallToolResult {
	return s.invoke(ctx, tool, "", "", func(context.Context) (*gateway.Result, error) {
		return nil, gerr
	})
}

// successResponse returns the upstream body verbatim. An empty body is
// replaced by a small acknowledgement so the caller always gets JSON.
func successResponse(res *gateway.Result, handleKey, handle string) *mcp.CallToolResult {
	if len(bytes.TrimSpace(res.Body)) > 0 {
		return textResponse(string(res.Body))
	}

	ack := map[string]interface{}{"status_code": res.StatusCode}
	if handleKey != "" {
		ack[handleKey] = handle
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return textResponse(fmt.Sprintf(`{"status_code":%d}`, res.StatusCode))
	}
	return textResponse(string(data))
}

func rateLimited() *gateway.Error {
	return &gateway.Error{
		Kind:      gateway.KindUpstreamUnavailable,
		Message:   "rate limit exceeded, try again later",
		Retryable: true,
	}
}

func argumentError(path, reason string) *gateway.Error {
	return &gateway.Error{
		Kind:    gateway.KindValidation,
		Path:    path,
		Message: reason,
	}
}

// idArgument extracts a job or service identifier. Emptiness is checked by
// the gateway; only the type is checked here.
func idArgument(request mcp.CallToolRequest, name string) (string, *gateway.Error) {
	raw, ok := request.GetArguments()[name]
	if !ok || raw == nil {
		return "", argumentError(name, "is required")
	}
	id, ok := raw.(string)
	if !ok {
		return "", argumentError(name, "must be a string")
	}
	return id, nil
}

// payloadArgument returns the definition under "payload", or the whole
// argument object when no payload key is present.
func payloadArgument(request mcp.CallToolRequest) (map[string]any, *gateway.Error) {
	args := request.GetArguments()
	raw, ok := args[argPayload]
	if !ok {
		if len(args) == 0 {
			return nil, argumentError(argPayload, "is required")
		}
		return args, nil
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, argumentError(argPayload, "must be an object")
	}
	return payload, nil
}
