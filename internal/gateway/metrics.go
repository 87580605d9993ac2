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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// operationsTotal tracks completed operations by outcome ("ok" or error kind)
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstream_mcp_operations_total",
			Help: "Total gateway operations by operation name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// operationDuration tracks end-to-end latency including retries
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mstream_mcp_operation_duration_seconds",
			Help:    "Gateway operation latency including retries and backoff",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)

	// retriesTotal tracks retry attempts
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mstream_mcp_retries_total",
			Help: "Total upstream retries by operation name",
		},
		[]string{"operation"},
	)
)

// recordOperation records a finished operation
func recordOperation(op, outcome string, d time.Duration) {
	operationsTotal.WithLabelValues(op, outcome).Inc()
	operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// recordRetry increments the retry counter
func recordRetry(op string) {
	retriesTotal.WithLabelValues(op).Inc()
}
