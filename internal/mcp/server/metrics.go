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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// toolCalls tracks tool invocations by outcome ("ok", "rate_limited" or error kind)
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstream_mcp_tool_calls_total",
			Help: "Total MCP tool calls by tool name and outcome",
		},
		[]string{"tool", "outcome"},
	)
)

// recordToolCall increments the tool call counter
func recordToolCall(tool, outcome string) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
}
