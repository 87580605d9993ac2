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

package schema

import (
	"encoding/json"
	"math"
	"strings"
)

// FieldType is the primitive type tag of a schema field.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeInteger FieldType = "integer"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeObject  FieldType = "object"
	FieldTypeArray   FieldType = "array"
)

// FieldTypes returns the recognized type tags in a stable order.
func FieldTypes() []FieldType {
	return []FieldType{
		FieldTypeString,
		FieldTypeNumber,
		FieldTypeInteger,
		FieldTypeBoolean,
		FieldTypeObject,
		FieldTypeArray,
	}
}

// Valid reports whether t is one of the recognized type tags.
func (t FieldType) Valid() bool {
	for _, known := range FieldTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// FieldDefinition describes a single field of a schema.
type FieldDefinition struct {
	Name        string
	Type        FieldType
	Required    bool
	Description string

	// Extra holds keys the upstream understands but this layer does not.
	// They are forwarded unchanged.
	Extra map[string]any
}

// MarshalJSON flattens Extra next to the known keys. Known keys win.
func (f FieldDefinition) MarshalJSON() ([]byte, error) {
	out := copyExtra(f.Extra)
	out["name"] = f.Name
	out["type"] = string(f.Type)
	out["required"] = f.Required
	if f.Description != "" {
		out["description"] = f.Description
	}
	return json.Marshal(out)
}

// SchemaDefinition is a named, ordered set of fields used as a job input,
// job output or service schema.
type SchemaDefinition struct {
	Name        string
	Fields      []FieldDefinition
	Version     string
	Description string
	Extra       map[string]any
}

// MarshalJSON flattens Extra next to the known keys. Known keys win.
func (s SchemaDefinition) MarshalJSON() ([]byte, error) {
	out := copyExtra(s.Extra)
	out["name"] = s.Name
	fields := s.Fields
	if fields == nil {
		fields = []FieldDefinition{}
	}
	out["fields"] = fields
	if s.Version != "" {
		out["version"] = s.Version
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	return json.Marshal(out)
}

// BatchConfig controls how the upstream batches job input.
type BatchConfig struct {
	BatchSize      int
	MaxConcurrency *int
	TimeoutSeconds *float64
	Extra          map[string]any
}

// MarshalJSON flattens Extra next to the known keys. Known keys win.
func (b BatchConfig) MarshalJSON() ([]byte, error) {
	out := copyExtra(b.Extra)
	out["batch_size"] = b.BatchSize
	if b.MaxConcurrency != nil {
		out["max_concurrency"] = *b.MaxConcurrency
	}
	if b.TimeoutSeconds != nil {
		out["timeout_seconds"] = *b.TimeoutSeconds
	}
	return json.Marshal(out)
}

// JobDefinition is the create_job payload.
type JobDefinition struct {
	Name         string
	InputSchema  *SchemaDefinition
	OutputSchema *SchemaDefinition
	BatchConfig  *BatchConfig

	// Metadata is merged into the top level of the request body.
	Metadata map[string]any
}

// MarshalJSON renders the upstream request body.
func (j JobDefinition) MarshalJSON() ([]byte, error) {
	out := copyExtra(j.Metadata)
	out["name"] = j.Name
	if j.InputSchema != nil {
		out["input_schema"] = j.InputSchema
	}
	if j.OutputSchema != nil {
		out["output_schema"] = j.OutputSchema
	}
	if j.BatchConfig != nil {
		out["batch_config"] = j.BatchConfig
	}
	return json.Marshal(out)
}

// ServiceDefinition is the create_service payload.
type ServiceDefinition struct {
	Name     string
	Endpoint string
	Schemas  []SchemaDefinition
	Metadata map[string]any
}

// MarshalJSON renders the upstream request body.
func (s ServiceDefinition) MarshalJSON() ([]byte, error) {
	out := copyExtra(s.Metadata)
	out["name"] = s.Name
	out["endpoint"] = s.Endpoint
	schemas := s.Schemas
	if schemas == nil {
		schemas = []SchemaDefinition{}
	}
	out["schemas"] = schemas
	return json.Marshal(out)
}

func copyExtra(extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+4)
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// buildField converts a shape-checked JSON object into a FieldDefinition.
func buildField(raw map[string]any) FieldDefinition {
	f := FieldDefinition{
		Name:        strings.TrimSpace(stringValue(raw["name"])),
		Type:        FieldType(strings.ToLower(strings.TrimSpace(stringValue(raw["type"])))),
		Description: stringValue(raw["description"]),
		Extra:       extraKeys(raw, "name", "type", "required", "description"),
	}
	if b, ok := raw["required"].(bool); ok {
		f.Required = b
	}
	return f
}

// buildSchema converts a shape-checked JSON object into a SchemaDefinition.
func buildSchema(raw map[string]any) *SchemaDefinition {
	s := &SchemaDefinition{
		Name:        strings.TrimSpace(stringValue(raw["name"])),
		Version:     stringValue(raw["version"]),
		Description: stringValue(raw["description"]),
		Extra:       extraKeys(raw, "name", "fields", "version", "description"),
	}
	items, _ := raw["fields"].([]any)
	for _, item := range items {
		obj, _ := item.(map[string]any)
		s.Fields = append(s.Fields, buildField(obj))
	}
	return s
}

// buildBatch converts a shape-checked JSON object into a BatchConfig.
func buildBatch(raw map[string]any) *BatchConfig {
	b := &BatchConfig{
		Extra: extraKeys(raw, "batch_size", "max_concurrency", "timeout_seconds"),
	}
	if n, ok := raw["batch_size"].(float64); ok {
		b.BatchSize = batchInt(n)
	}
	if n, ok := raw["max_concurrency"].(float64); ok {
		v := batchInt(n)
		b.MaxConcurrency = &v
	}
	if n, ok := raw["timeout_seconds"].(float64); ok {
		b.TimeoutSeconds = &n
	}
	return b
}

// maxBatchValue bounds batch_size and max_concurrency.
const maxBatchValue = math.MaxInt32

// batchInt converts a JSON number to int, clamped to the int32 range so the
// conversion cannot overflow. Out-of-range values are reported by
// batchBounds.
func batchInt(n float64) int {
	switch {
	case n > maxBatchValue:
		return maxBatchValue
	case n < math.MinInt32:
		return math.MinInt32
	}
	return int(n)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func extraKeys(raw map[string]any, known ...string) map[string]any {
	var extra map[string]any
	for k, v := range raw {
		skip := false
		for _, name := range known {
			if k == name {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = v
	}
	return extra
}
