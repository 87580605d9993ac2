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

package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flag names
const (
	FlagAPIBaseURL      = "api-base-url"
	FlagAPIPort         = "api-port"
	FlagAPIToken        = "api-token"
	FlagAPITimeout      = "api-timeout"
	FlagMaxRetries      = "max-retries"
	FlagBackoffFactor   = "backoff-factor"
	FlagAPIRateLimit    = "api-rate-limit"
	FlagTransport       = "transport"
	FlagHost            = "host"
	FlagPort            = "port"
	FlagAllowedOrigins  = "allowed-origins"
	FlagCallsPerSecond  = "calls-per-second"
	FlagLogLevel        = "log-level"
	FlagLogFormat       = "log-format"
	FlagOTelExporter    = "otel-exporter"
	FlagOTelEndpoint    = "otel-endpoint"
	FlagOTelInsecure    = "otel-insecure"
	FlagOTelSampleRatio = "otel-sample-ratio"
)

// Flags holds the command-line overrides bound to a flag set.
type Flags struct {
	fs *pflag.FlagSet

	apiBaseURL     string
	apiPort        int
	apiToken       string
	apiTimeout     string
	maxRetries     int
	backoffFactor  string
	apiRateLimit   float64
	transport      string
	host           string
	port           int
	allowedOrigins []string
	callsPerSecond float64
	logLevel       string
	logFormat      string
	otelExporter   string
	otelEndpoint   string
	otelInsecure   bool
	otelSample     float64
}

// BindFlags registers the configuration flags on fs. Flag defaults are for
// help output only; a flag overrides the file and environment only when it
// is set on the command line.
func BindFlags(fs *pflag.FlagSet) *Flags {
	d := Default()
	f := &Flags{fs: fs}

	fs.StringVar(&f.apiBaseURL, FlagAPIBaseURL, d.API.BaseURL, "mstream API base URL (env MSTREAM_API_BASE_URL)")
	fs.IntVar(&f.apiPort, FlagAPIPort, d.API.Port, "mstream API port, 0 keeps the port in the base URL (env MSTREAM_API_PORT)")
	fs.StringVar(&f.apiToken, FlagAPIToken, "", "bearer token or keychain:<name> (env MSTREAM_API_TOKEN)")
	fs.StringVar(&f.apiTimeout, FlagAPITimeout, d.API.Timeout.String(), "per-attempt request timeout (env MSTREAM_API_TIMEOUT)")
	fs.IntVar(&f.maxRetries, FlagMaxRetries, d.API.MaxRetries, "retries after the first attempt (env MSTREAM_API_MAX_RETRIES)")
	fs.StringVar(&f.backoffFactor, FlagBackoffFactor, d.API.BackoffFactor.String(), "base retry delay (env MSTREAM_API_BACKOFF_FACTOR)")
	fs.Float64Var(&f.apiRateLimit, FlagAPIRateLimit, 0, "max upstream requests per second, 0 for unlimited (env MSTREAM_API_RATE_LIMIT)")
	fs.StringVar(&f.transport, FlagTransport, d.Server.Transport, "MCP transport: stdio or http (env MSTREAM_TRANSPORT)")
	fs.StringVar(&f.host, FlagHost, d.Server.Host, "listen host in http mode (env MSTREAM_SERVER_HOST)")
	fs.IntVar(&f.port, FlagPort, d.Server.Port, "listen port in http mode (env MSTREAM_SERVER_PORT)")
	fs.StringSliceVar(&f.allowedOrigins, FlagAllowedOrigins, nil, "CORS origins allowed in http mode")
	fs.Float64Var(&f.callsPerSecond, FlagCallsPerSecond, 0, "max tool calls per second, 0 for unlimited")
	fs.StringVar(&f.logLevel, FlagLogLevel, d.Log.Level, "log level: trace, debug, info, warn, error (env MSTREAM_LOG_LEVEL)")
	fs.StringVar(&f.logFormat, FlagLogFormat, d.Log.Format, "log format: json or text (env MSTREAM_LOG_FORMAT)")
	fs.StringVar(&f.otelExporter, FlagOTelExporter, d.Tracing.Exporter, "trace exporter: none, otlp or stdout (env MSTREAM_OTEL_EXPORTER)")
	fs.StringVar(&f.otelEndpoint, FlagOTelEndpoint, "", "OTLP/HTTP collector endpoint (env MSTREAM_OTEL_ENDPOINT)")
	fs.BoolVar(&f.otelInsecure, FlagOTelInsecure, false, "disable TLS to the OTLP collector")
	fs.Float64Var(&f.otelSample, FlagOTelSampleRatio, d.Tracing.SampleRatio, "fraction of traces sampled")

	return f
}

// ApplyFlags overrides fields with the flags set on the command line.
func (c *Config) ApplyFlags(f *Flags) error {
	if f == nil || f.fs == nil {
		return nil
	}
	changed := f.fs.Changed

	if changed(FlagAPIBaseURL) {
		c.API.BaseURL = f.apiBaseURL
	}
	if changed(FlagAPIPort) {
		c.API.Port = f.apiPort
	}
	if changed(FlagAPIToken) {
		c.API.Token = f.apiToken
	}
	if changed(FlagAPITimeout) {
		d, err := ParseDuration(f.apiTimeout)
		if err != nil {
			return fmt.Errorf("%w: --%s: %v", ErrInvalidConfig, FlagAPITimeout, err)
		}
		c.API.Timeout = Duration(d)
	}
	if changed(FlagMaxRetries) {
		c.API.MaxRetries = f.maxRetries
	}
	if changed(FlagBackoffFactor) {
		d, err := ParseDuration(f.backoffFactor)
		if err != nil {
			return fmt.Errorf("%w: --%s: %v", ErrInvalidConfig, FlagBackoffFactor, err)
		}
		c.API.BackoffFactor = Duration(d)
	}
	if changed(FlagAPIRateLimit) {
		c.API.RateLimit = f.apiRateLimit
	}
	if changed(FlagTransport) {
		c.Server.Transport = f.transport
	}
	if changed(FlagHost) {
		c.Server.Host = f.host
	}
	if changed(FlagPort) {
		c.Server.Port = f.port
	}
	if changed(FlagAllowedOrigins) {
		c.Server.AllowedOrigins = f.allowedOrigins
	}
	if changed(FlagCallsPerSecond) {
		c.Server.CallsPerSecond = f.callsPerSecond
	}
	if changed(FlagLogLevel) {
		c.Log.Level = f.logLevel
	}
	if changed(FlagLogFormat) {
		c.Log.Format = f.logFormat
	}
	if changed(FlagOTelExporter) {
		c.Tracing.Exporter = f.otelExporter
	}
	if changed(FlagOTelEndpoint) {
		c.Tracing.Endpoint = f.otelEndpoint
	}
	if changed(FlagOTelInsecure) {
		c.Tracing.Insecure = f.otelInsecure
	}
	if changed(FlagOTelSampleRatio) {
		c.Tracing.SampleRatio = f.otelSample
	}

	return nil
}
