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

// Package schema validates and normalizes the job and service definitions
// sent to the mstream API.
//
// Validation is pure: it performs no I/O and must reject a payload before
// any request is attempted. Every failure is reported as a *ValidationError
// naming the offending field path.
package schema

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Violation is a single validation failure.
type Violation struct {
	// Path locates the offending value, e.g. "input_schema.fields[1].name".
	Path string `json:"path"`

	// Reason is a human-readable description of the failure.
	Reason string `json:"reason"`
}

// ValidationError reports why a payload was rejected before reaching the
// network. Path and Reason describe the first violation; Violations holds
// all of them in the order they were found.
type ValidationError struct {
	Path       string
	Reason     string
	Violations []Violation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Path != "" {
		msg = e.Path + ": " + e.Reason
	}
	if extra := len(e.Violations) - 1; extra > 0 {
		msg = fmt.Sprintf("%s (and %d more)", msg, extra)
	}
	return msg
}

// newValidationError builds a ValidationError from collected violations.
// Returns nil when there are none.
func newValidationError(violations []Violation) *ValidationError {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{
		Path:       violations[0].Path,
		Reason:     violations[0].Reason,
		Violations: violations,
	}
}

// collector accumulates violations while walking a definition.
type collector struct {
	violations []Violation
}

func (c *collector) add(path, format string, args ...any) {
	c.violations = append(c.violations, Violation{Path: path, Reason: fmt.Sprintf(format, args...)})
}

func (c *collector) err() error {
	if v := newValidationError(c.violations); v != nil {
		return v
	}
	return nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// ParseJobDefinition validates a raw create_job payload and returns the
// normalized definition.
func ParseJobDefinition(payload map[string]any) (JobDefinition, error) {
	obj, violations, err := checkShape("job", payload)
	if err != nil {
		return JobDefinition{}, err
	}
	if len(violations) > 0 {
		return JobDefinition{}, newValidationError(violations)
	}

	def := JobDefinition{
		Name: strings.TrimSpace(stringValue(obj["name"])),
	}
	if raw, ok := obj["input_schema"].(map[string]any); ok {
		def.InputSchema = buildSchema(raw)
	}
	if raw, ok := obj["output_schema"].(map[string]any); ok {
		def.OutputSchema = buildSchema(raw)
	}
	var tooLarge []Violation
	if raw, ok := obj["batch_config"].(map[string]any); ok {
		tooLarge = batchBounds("batch_config", raw)
		def.BatchConfig = buildBatch(raw)
	}
	if raw, ok := obj["metadata"].(map[string]any); ok {
		def.Metadata = raw
	}

	if err := withViolations(ValidateJobDefinition(def), tooLarge); err != nil {
		return JobDefinition{}, err
	}
	return def, nil
}

// batchBounds reports integer batch settings above maxBatchValue. It runs on
// the raw JSON numbers, before they are converted to int.
func batchBounds(path string, raw map[string]any) []Violation {
	var violations []Violation
	for _, key := range []string{"batch_size", "max_concurrency"} {
		if n, ok := raw[key].(float64); ok && n > maxBatchValue {
			violations = append(violations, Violation{
				Path:   join(path, key),
				Reason: fmt.Sprintf("is too large (maximum %d)", maxBatchValue),
			})
		}
	}
	return violations
}

// withViolations appends extra violations to err, which is nil or a
// *ValidationError.
func withViolations(err error, extra []Violation) error {
	if len(extra) == 0 {
		return err
	}
	var violations []Violation
	var verr *ValidationError
	if errors.As(err, &verr) {
		violations = append(violations, verr.Violations...)
	} else if err != nil {
		return err
	}
	return newValidationError(append(violations, extra...))
}

// ValidateJobDefinition checks a typed job definition.
func ValidateJobDefinition(def JobDefinition) error {
	c := &collector{}
	if strings.TrimSpace(def.Name) == "" {
		c.add("name", "is required")
	}
	if def.InputSchema == nil {
		c.add("input_schema", "is required")
	} else {
		validateSchema(c, "input_schema", *def.InputSchema)
	}
	if def.OutputSchema != nil {
		validateSchema(c, "output_schema", *def.OutputSchema)
	}
	if def.BatchConfig != nil {
		validateBatch(c, "batch_config", *def.BatchConfig)
	}
	return c.err()
}

// ParseServiceDefinition validates a raw create_service payload and returns
// the normalized definition.
func ParseServiceDefinition(payload map[string]any) (ServiceDefinition, error) {
	obj, violations, err := checkShape("service", payload)
	if err != nil {
		return ServiceDefinition{}, err
	}
	if len(violations) > 0 {
		return ServiceDefinition{}, newValidationError(violations)
	}

	def := ServiceDefinition{
		Name:     strings.TrimSpace(stringValue(obj["name"])),
		Endpoint: strings.TrimSpace(stringValue(obj["endpoint"])),
	}
	c := &collector{}
	if items, ok := obj["schemas"].([]any); ok {
		for i, item := range items {
			raw, ok := item.(map[string]any)
			if !ok {
				c.add(fmt.Sprintf("schemas[%d]", i), "must be an object")
				continue
			}
			def.Schemas = append(def.Schemas, *buildSchema(raw))
		}
	}
	if raw, ok := obj["metadata"].(map[string]any); ok {
		def.Metadata = raw
	}
	if err := c.err(); err != nil {
		return ServiceDefinition{}, err
	}

	if err := ValidateServiceDefinition(def); err != nil {
		return ServiceDefinition{}, err
	}
	return def, nil
}

// ValidateServiceDefinition checks a typed service definition.
func ValidateServiceDefinition(def ServiceDefinition) error {
	c := &collector{}
	if strings.TrimSpace(def.Name) == "" {
		c.add("name", "is required")
	}
	validateEndpoint(c, "endpoint", def.Endpoint)
	for i, s := range def.Schemas {
		validateSchema(c, fmt.Sprintf("schemas[%d]", i), s)
	}
	return c.err()
}

// ValidateSchemaDefinition checks a single schema. path prefixes every
// reported violation.
func ValidateSchemaDefinition(path string, s SchemaDefinition) error {
	c := &collector{}
	validateSchema(c, path, s)
	return c.err()
}

// ValidateBatchConfig checks batch bounds. path prefixes every reported
// violation.
func ValidateBatchConfig(path string, b BatchConfig) error {
	c := &collector{}
	validateBatch(c, path, b)
	return c.err()
}

// ValidateHandle rejects empty job or service identifiers. Handles are
// otherwise opaque and never inspected.
func ValidateHandle(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return newValidationError([]Violation{{Path: name, Reason: "is required"}})
	}
	return nil
}

func validateSchema(c *collector, path string, s SchemaDefinition) {
	if strings.TrimSpace(s.Name) == "" {
		c.add(join(path, "name"), "is required")
	}
	if len(s.Fields) == 0 {
		c.add(join(path, "fields"), "must contain at least one field")
		return
	}

	seen := make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		fieldPath := fmt.Sprintf("%s[%d]", join(path, "fields"), i)
		name := strings.TrimSpace(f.Name)
		if name == "" {
			c.add(join(fieldPath, "name"), "is required")
		} else if first, dup := seen[name]; dup {
			c.add(join(fieldPath, "name"), "duplicate field name %q (first defined at fields[%d])", name, first)
		} else {
			seen[name] = i
		}

		switch {
		case f.Type == "":
			c.add(join(fieldPath, "type"), "is required")
		case !f.Type.Valid():
			c.add(join(fieldPath, "type"), "unsupported type %q (expected one of %s)", string(f.Type), typeList())
		}
	}
}

func validateBatch(c *collector, path string, b BatchConfig) {
	if b.BatchSize <= 0 {
		c.add(join(path, "batch_size"), "must be greater than zero")
	}
	if b.MaxConcurrency != nil && *b.MaxConcurrency <= 0 {
		c.add(join(path, "max_concurrency"), "must be greater than zero")
	}
	if b.TimeoutSeconds != nil && *b.TimeoutSeconds < 0 {
		c.add(join(path, "timeout_seconds"), "must not be negative")
	}
}

func validateEndpoint(c *collector, path, endpoint string) {
	if strings.TrimSpace(endpoint) == "" {
		c.add(path, "is required")
		return
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		c.add(path, "is not a valid URL")
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		c.add(path, "must use http or https scheme")
		return
	}
	if u.Host == "" {
		c.add(path, "must include a host")
	}
}

func typeList() string {
	types := FieldTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
