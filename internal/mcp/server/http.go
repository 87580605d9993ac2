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
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/mstream-mcp/internal/log"
	"github.com/tombee/mstream-mcp/internal/tracing"
)

// Endpoint paths served in http mode.
const (
	EndpointMCP     = "/mcp"
	EndpointMetrics = "/metrics"
	EndpointHealth  = "/healthz"
)

// Handler returns the HTTP handler used in http mode: the streamable MCP
// endpoint plus health and metrics.
func (s *Server) Handler() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Global middleware. Compression is left out: it breaks SSE streaming.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(tracing.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
		MaxAge:         300,
	}))

	r.Get(EndpointHealth, s.healthHandler)
	r.Handle(EndpointMetrics, promhttp.Handler())
	r.Handle(EndpointMCP, server.NewStreamableHTTPServer(s.mcpServer, server.WithEndpointPath(EndpointMCP)))

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"name":    s.name,
		"version": s.version,
		"tools":   len(s.tools),
	})
}

// requestLogger logs each HTTP request at debug level, warn for 4xx and
// error for 5xx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		level := slog.LevelDebug
		if status >= 400 {
			level = slog.LevelWarn
		}
		if status >= 500 {
			level = slog.LevelError
		}

		logger := s.logger
		if id := chimw.GetReqID(r.Context()); id != "" {
			logger = log.WithRequestID(logger, id)
		}
		logger.LogAttrs(r.Context(), level, "http request",
			log.String("method", r.Method),
			log.String("path", r.URL.Path),
			log.Int(log.StatusKey, status),
			log.Int("bytes", ww.BytesWritten()),
			log.Int64(log.DurationKey, time.Since(start).Milliseconds()),
			log.String("remote", r.RemoteAddr),
		)
	})
}
