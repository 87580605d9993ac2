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

// Package config loads the mstream-mcp configuration from defaults, an
// optional YAML file, environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/mstream-mcp/internal/log"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Serving modes
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Trace exporters
const (
	ExporterNone   = "none"
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

// Config represents the complete mstream-mcp configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// APIConfig configures the upstream mstream REST API.
type APIConfig struct {
	// BaseURL is the scheme and host of the API.
	// Environment: MSTREAM_API_BASE_URL
	// Default: http://localhost
	BaseURL string `yaml:"base_url"`

	// Port overrides the port of BaseURL. Zero keeps the port in BaseURL.
	// Environment: MSTREAM_API_PORT
	// Default: 8700
	Port int `yaml:"port"`

	// Token is sent as a bearer token. A value of the form "keychain:<name>"
	// is read from the system keychain.
	// Environment: MSTREAM_API_TOKEN
	Token string `yaml:"token,omitempty"`

	// Timeout bounds each HTTP attempt.
	// Environment: MSTREAM_API_TIMEOUT
	// Default: 10s
	Timeout Duration `yaml:"timeout"`

	// MaxRetries is the number of retries after the first attempt.
	// Environment: MSTREAM_API_MAX_RETRIES
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// BackoffFactor is the base delay; retry i waits BackoffFactor * 2^i.
	// Environment: MSTREAM_API_BACKOFF_FACTOR
	// Default: 0.5s
	BackoffFactor Duration `yaml:"backoff_factor"`

	// RateLimit caps outbound requests per second. Zero disables it.
	// Environment: MSTREAM_API_RATE_LIMIT
	RateLimit float64 `yaml:"rate_limit,omitempty"`
}

// ServerConfig configures the MCP side of the process.
type ServerConfig struct {
	// Transport is "stdio" or "http".
	// Environment: MSTREAM_TRANSPORT
	// Default: stdio
	Transport string `yaml:"transport"`

	// Host is the listen host in http mode.
	// Environment: MSTREAM_SERVER_HOST
	// Default: 0.0.0.0
	Host string `yaml:"host"`

	// Port is the listen port in http mode.
	// Environment: MSTREAM_SERVER_PORT
	// Default: 8000
	Port int `yaml:"port"`

	// AllowedOrigins lists CORS origins in http mode. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	// CallsPerSecond limits tool calls. Zero disables the limit.
	CallsPerSecond float64 `yaml:"calls_per_second,omitempty"`

	// Burst is the tool-call burst allowance.
	Burst int `yaml:"burst,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error). trace also
	// logs upstream request and response bodies.
	// Environment: MSTREAM_LOG_LEVEL
	Level string `yaml:"level"`

	// Format is the log format (json, text).
	// Environment: MSTREAM_LOG_FORMAT
	Format string `yaml:"format"`

	// AddSource adds source file and line to log records.
	AddSource bool `yaml:"add_source,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter selects where spans go: none, otlp or stdout.
	// Environment: MSTREAM_OTEL_EXPORTER
	// Default: none
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP/HTTP collector endpoint (host:port or URL).
	// Environment: MSTREAM_OTEL_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	// SampleRatio is the fraction of traces sampled, 0 to 1.
	// Default: 1
	SampleRatio float64 `yaml:"sample_ratio"`

	// ServiceName is reported as service.name.
	// Default: mstream-mcp
	ServiceName string `yaml:"service_name"`
}

// Duration is a time.Duration that also accepts a plain number of seconds,
// so "10s", "1m30s", 10 and 0.5 are all valid.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration in Go notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ParseDuration parses a Go duration string or a number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: use a number of seconds or a value like \"500ms\"", s)
	}
	return d, nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:       "http://localhost",
			Port:          8700,
			Timeout:       Duration(10 * time.Second),
			MaxRetries:    3,
			BackoffFactor: Duration(500 * time.Millisecond),
		},
		Server: ServerConfig{
			Transport: TransportStdio,
			Host:      "0.0.0.0",
			Port:      8000,
			Burst:     10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:    ExporterNone,
			SampleRatio: 1,
			ServiceName: "mstream-mcp",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at configPath
// and the environment, then validates it. An empty configPath falls back to
// the default config file if one exists.
func Load(configPath string) (*Config, error) {
	return LoadWithFlags(configPath, nil)
}

// LoadWithFlags is Load with command-line overrides applied last, before
// validation.
func LoadWithFlags(configPath string, flags *Flags) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if path, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				configPath = path
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.ApplyFlags(flags); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file. Unknown keys are errors.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	return nil
}

// ApplyEnv overrides fields from environment variables. lookup is normally
// os.LookupEnv. Malformed numeric values are errors rather than being ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		val, ok := lookup(key)
		if !ok || strings.TrimSpace(val) == "" {
			return "", false
		}
		return strings.TrimSpace(val), true
	}

	var errs []error
	envInt := func(key string, dst *int) {
		if val, ok := get(key); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, val))
				return
			}
			*dst = n
		}
	}
	envFloat := func(key string, dst *float64) {
		if val, ok := get(key); ok {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid number %q", key, val))
				return
			}
			*dst = f
		}
	}
	envDuration := func(key string, dst *Duration) {
		if val, ok := get(key); ok {
			d, err := ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	envString := func(key string, dst *string) {
		if val, ok := get(key); ok {
			*dst = val
		}
	}

	envString("MSTREAM_API_BASE_URL", &c.API.BaseURL)
	envInt("MSTREAM_API_PORT", &c.API.Port)
	envString("MSTREAM_API_TOKEN", &c.API.Token)
	envDuration("MSTREAM_API_TIMEOUT", &c.API.Timeout)
	envInt("MSTREAM_API_MAX_RETRIES", &c.API.MaxRetries)
	envDuration("MSTREAM_API_BACKOFF_FACTOR", &c.API.BackoffFactor)
	envFloat("MSTREAM_API_RATE_LIMIT", &c.API.RateLimit)

	envString("MSTREAM_TRANSPORT", &c.Server.Transport)
	envString("MSTREAM_SERVER_HOST", &c.Server.Host)
	envInt("MSTREAM_SERVER_PORT", &c.Server.Port)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("MSTREAM_LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("MSTREAM_LOG_FORMAT", &c.Log.Format)
	if val, ok := get("MSTREAM_DEBUG"); ok {
		if b, err := strconv.ParseBool(val); err == nil && b {
			c.Log.Level = "debug"
		}
	}

	envString("MSTREAM_OTEL_EXPORTER", &c.Tracing.Exporter)
	envString("MSTREAM_OTEL_ENDPOINT", &c.Tracing.Endpoint)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the configuration. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []string

	if c.API.BaseURL == "" {
		errs = append(errs, "api.base_url is required")
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("api.base_url %q must be an absolute http or https URL", c.API.BaseURL))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port must be between 0 and 65535, got %d", c.API.Port))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, "api.timeout must be positive")
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("api.max_retries must be non-negative, got %d", c.API.MaxRetries))
	}
	if c.API.BackoffFactor < 0 {
		errs = append(errs, "api.backoff_factor must be non-negative")
	}
	if c.API.RateLimit < 0 {
		errs = append(errs, "api.rate_limit must be non-negative")
	}

	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		errs = append(errs, fmt.Sprintf("server.transport must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Server.Transport))
	}
	if c.Server.Transport == TransportHTTP && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.CallsPerSecond < 0 {
		errs = append(errs, "server.calls_per_second must be non-negative")
	}
	if c.Server.Burst < 0 {
		errs = append(errs, "server.burst must be non-negative")
	}

	if !log.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of trace, debug, info, warn, error, got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.Tracing.Endpoint == "" {
			errs = append(errs, "tracing.endpoint is required for the otlp exporter")
		}
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be none, otlp or stdout, got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
