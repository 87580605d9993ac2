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

package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/mstream-mcp/internal/commands/shared"
	"github.com/tombee/mstream-mcp/internal/config"
	"github.com/tombee/mstream-mcp/internal/gateway"
	"github.com/tombee/mstream-mcp/internal/log"
	"github.com/tombee/mstream-mcp/internal/mcp/server"
	"github.com/tombee/mstream-mcp/internal/tracing"
	"github.com/tombee/mstream-mcp/internal/transport"
)

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	var flags *config.Flags

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"mcp-server"},
		Short:   "Start the mstream MCP server",
		Long: `Start the mstream MCP (Model Context Protocol) server.

The server exposes the mstream job and service API as tools that AI
assistants can call. It runs in stdio mode by default, which is what most
assistants expect; --transport http serves streamable HTTP on /mcp along
with /healthz and /metrics.

Configuration is read from defaults, the config file, MSTREAM_* environment
variables and flags, later sources winning. The API token may be given as
keychain:<name> to read it from the system keychain.

Configuration example for an MCP client:
  {
    "mcpServers": {
      "mstream": {
        "command": "mstream-mcp",
        "args": ["serve"],
        "env": {"MSTREAM_API_BASE_URL": "http://mstream.internal"}
      }
    }
  }

The server exposes these tools:
  - list_jobs, create_job, stop_job, restart_job
  - list_services, get_service, create_service, delete_service

Creation calls are only retried when the request never reached the API, so a
job or service is never created twice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}

	flags = config.BindFlags(cmd.Flags())

	return cmd
}

// LoadConfig loads the configuration from the --config file, the
// environment and the given flags, then validates it.
func LoadConfig(flags *config.Flags) (*config.Config, error) {
	return config.LoadWithFlags(shared.GetConfigPath(), flags)
}

// NewLogger creates the process logger for cfg. Logs never go to stdout.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(strings.ToLower(cfg.Log.Format)),
		Output:    w,
		AddSource: cfg.Log.AddSource,
	})
}

// Build wires the upstream transport, gateway and MCP server for cfg.
// It returns the resolved upstream base URL for logging.
func Build(cfg *config.Config, logger *slog.Logger, tp trace.TracerProvider) (*server.Server, string, error) {
	version, _, _ := shared.GetVersion()

	token, err := config.ResolveToken(cfg.API.Token)
	if err != nil {
		return nil, "", shared.NewConfigError("failed to resolve API token", err)
	}

	t, err := transport.NewHTTPTransport(transport.HTTPTransportConfig{
		BaseURL:           cfg.API.BaseURL,
		Port:              cfg.API.Port,
		Token:             token,
		Timeout:           cfg.API.Timeout.Std(),
		UserAgent:         "mstream-mcp/" + version,
		RequestsPerSecond: cfg.API.RateLimit,
		Logger:            logger,
	})
	if err != nil {
		return nil, "", shared.NewConfigError("failed to create API transport", err)
	}

	retry := transport.DefaultRetryConfig()
	retry.MaxRetries = cfg.API.MaxRetries
	retry.BackoffFactor = cfg.API.BackoffFactor.Std()

	gw, err := gateway.New(t, gateway.Options{
		Retry:          retry,
		Logger:         logger,
		TracerProvider: tp,
	})
	if err != nil {
		return nil, "", shared.NewConfigError("failed to create gateway", err)
	}

	srv, err := server.NewServer(server.ServerConfig{
		Name:           "mstream-mcp",
		Version:        version,
		Gateway:        gw,
		Logger:         logger,
		CallsPerSecond: cfg.Server.CallsPerSecond,
		Burst:          cfg.Server.Burst,
		Mode:           cfg.Server.Transport,
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return nil, "", shared.NewConfigError("failed to create MCP server", err)
	}

	baseURL, err := transport.ResolveBaseURL(cfg.API.BaseURL, cfg.API.Port)
	if err != nil {
		return nil, "", shared.NewConfigError("invalid API base URL", err)
	}

	return srv, baseURL, nil
}

func runServe(cmd *cobra.Command, flags *config.Flags) error {
	cfg, err := LoadConfig(flags)
	if err != nil {
		return shared.NewConfigError("invalid configuration", err)
	}

	logger := NewLogger(cfg, cmd.ErrOrStderr())
	version, _, _ := shared.GetVersion()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	tp, shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Writer:         cmd.ErrOrStderr(),
	})
	if err != nil {
		return shared.NewConfigError("failed to set up tracing", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", log.Error(err))
		}
	}()

	srv, baseURL, err := Build(cfg, logger, tp)
	if err != nil {
		return err
	}

	logger.Info("mstream MCP server starting",
		slog.String("upstream", baseURL),
		slog.String("transport", cfg.Server.Transport),
		slog.Int("max_retries", cfg.API.MaxRetries),
		slog.String("token", log.SanitizeSecret(cfg.API.Token)),
	)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Start shutdown handler in background
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("error during shutdown", log.Error(err))
			}

			cancel()
		case <-ctx.Done():
		}
	}()

	// Run the server (blocks until shutdown)
	if err := srv.Run(ctx); err != nil {
		return shared.NewServerError("MCP server error", err)
	}

	logger.Info("mstream MCP server stopped", slog.String("upstream", baseURL))
	return nil
}
