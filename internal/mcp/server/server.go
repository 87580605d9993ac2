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

// Package server implements an MCP server that exposes mstream job and
// service management as tools.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/tombee/mstream-mcp/internal/gateway"
	"github.com/tombee/mstream-mcp/internal/log"
)

// Serving modes.
const (
	ModeStdio = "stdio"
	ModeHTTP  = "http"
)

// Gateway is the set of operations the tools delegate to.
// *gateway.Gateway satisfies it.
type Gateway interface {
	ListJobs(ctx context.Context) (*gateway.Result, error)
	CreateJob(ctx context.Context, payload map[string]any) (*gateway.Result, error)
	StopJob(ctx context.Context, jobID string) (*gateway.Result, error)
	RestartJob(ctx context.Context, jobID string) (*gateway.Result, error)
	ListServices(ctx context.Context) (*gateway.Result, error)
	GetService(ctx context.Context, serviceID string) (*gateway.Result, error)
	CreateService(ctx context.Context, payload map[string]any) (*gateway.Result, error)
	DeleteService(ctx context.Context, serviceID string) (*gateway.Result, error)
}

// Server wraps the MCP server and provides the mstream tools
type Server struct {
	mcpServer  *server.MCPServer
	name       string
	version    string
	gateway    Gateway
	tools      []mcp.Tool
	limiter    *rate.Limiter
	middleware *log.ToolMiddleware
	logger     *slog.Logger
	config     ServerConfig

	mu         sync.Mutex
	httpServer *http.Server
}

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Name is the server name (default: "mstream-mcp")
	Name string

	// Version is the build version (default: "dev")
	Version string

	// Gateway executes the tool calls (required)
	Gateway Gateway

	// Logger receives server logs (default: discard). It must not write to
	// stdout in stdio mode.
	Logger *slog.Logger

	// CallsPerSecond limits tool calls across all clients. Zero disables
	// the limit.
	CallsPerSecond float64

	// Burst is the number of calls allowed above the rate (default: 10)
	Burst int

	// Mode selects the transport: "stdio" (default) or "http"
	Mode string

	// Host and Port are the listen address in http mode
	Host string
	Port int

	// AllowedOrigins lists CORS origins in http mode (default: "*")
	AllowedOrigins []string

	// Stdin and Stdout replace the process streams in stdio mode
	Stdin  io.Reader
	Stdout io.Writer
}

// NewServer creates a new MCP server instance
func NewServer(config ServerConfig) (*Server, error) {
	if config.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if config.Name == "" {
		config.Name = "mstream-mcp"
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	if config.Mode == "" {
		config.Mode = ModeStdio
	}
	if config.Mode != ModeStdio && config.Mode != ModeHTTP {
		return nil, fmt.Errorf("invalid mode %q (must be %s or %s)", config.Mode, ModeStdio, ModeHTTP)
	}
	if config.CallsPerSecond < 0 {
		return nil, fmt.Errorf("calls per second must be non-negative, got %v", config.CallsPerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = log.WithComponent(logger, "mcp")

	// Create the underlying MCP server
	mcpServer := server.NewMCPServer(config.Name, config.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Manage mstream jobs and services. Create tools take the definition under \"payload\"; errors are JSON objects with a stable \"kind\"."),
	)

	s := &Server{
		mcpServer:  mcpServer,
		name:       config.Name,
		version:    config.Version,
		gateway:    config.Gateway,
		middleware: log.NewToolMiddleware(logger),
		logger:     logger,
		config:     config,
	}

	if config.CallsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.CallsPerSecond), config.Burst)
	}

	// Register the job and service tools
	s.registerTools()

	return s, nil
}

// Tools returns the registered tool definitions.
func (s *Server) Tools() []mcp.Tool {
	return append([]mcp.Tool(nil), s.tools...)
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Run serves until ctx is cancelled or the transport fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting mstream MCP server",
		slog.String("version", s.version),
		slog.String("mode", s.config.Mode),
	)

	switch s.config.Mode {
	case ModeHTTP:
		return s.runHTTP(ctx)
	default:
		return s.runStdio(ctx)
	}
}

func (s *Server) runStdio(ctx context.Context) error {
	var stdin io.Reader = os.Stdin
	if s.config.Stdin != nil {
		stdin = s.config.Stdin
	}
	var stdout io.Writer = os.Stdout
	if s.config.Stdout != nil {
		stdout = s.config.Stdout
	}

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	if err := stdio.Listen(ctx, stdin, stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

func (s *Server) runHTTP(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", addr), slog.String("endpoint", "/mcp"))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("MCP HTTP server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server. In stdio mode returning from
// Run is sufficient and Shutdown only logs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down mstream MCP server")

	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

// Helper function to create error response
func errorResponse(gerr *gateway.Error) *mcp.CallToolResult {
	return mcp.NewToolResultError(gerr.JSON())
}

// Helper function to create success response
func textResponse(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}
