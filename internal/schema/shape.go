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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// The shape schemas only check JSON types. Presence, enums, uniqueness and
// bounds are checked on the typed values so the reported paths point at
// the offending key rather than its parent object.
const shapeDefs = `
"$defs": {
  "schema": {
    "type": ["object", "null"],
    "properties": {
      "name": {"type": "string"},
      "fields": {"type": "array", "items": {"$ref": "#/$defs/field"}},
      "version": {"type": ["string", "null"]},
      "description": {"type": ["string", "null"]}
    }
  },
  "field": {
    "type": "object",
    "properties": {
      "name": {"type": "string"},
      "type": {"type": "string"},
      "required": {"type": "boolean"},
      "description": {"type": ["string", "null"]}
    }
  }
}`

const jobShape = `{
"$schema": "https://json-schema.org/draft/2020-12/schema",
"type": "object",
"properties": {
  "name": {"type": "string"},
  "input_schema": {"$ref": "#/$defs/schema"},
  "output_schema": {"$ref": "#/$defs/schema"},
  "batch_config": {
    "type": ["object", "null"],
    "properties": {
      "batch_size": {"type": "integer"},
      "max_concurrency": {"type": ["integer", "null"]},
      "timeout_seconds": {"type": ["number", "null"]}
    }
  },
  "metadata": {"type": ["object", "null"]}
},` + shapeDefs + `}`

const serviceShape = `{
"$schema": "https://json-schema.org/draft/2020-12/schema",
"type": "object",
"properties": {
  "name": {"type": "string"},
  "endpoint": {"type": "string"},
  "schemas": {"type": ["array", "null"], "items": {"$ref": "#/$defs/schema"}},
  "metadata": {"type": ["object", "null"]}
},` + shapeDefs + `}`

var (
	shapesOnce         sync.Once
	jobShapeSchema     *jsonschema.Schema
	serviceShapeSchema *jsonschema.Schema
	shapesErr          error
)

func compileShapes() {
	compile := func(id, src string) (*jsonschema.Schema, error) {
		compiler := jsonschema.NewCompiler()
		resourceID := "inmemory://" + id
		if err := compiler.AddResource(resourceID, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", id, err)
		}
		return compiler.Compile(resourceID)
	}
	jobShapeSchema, shapesErr = compile("job", jobShape)
	if shapesErr != nil {
		return
	}
	serviceShapeSchema, shapesErr = compile("service", serviceShape)
}

// normalizeValue round-trips v through encoding/json so that it only holds
// the types the JSON Schema validator understands.
func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkShape validates payload against the named shape and returns the
// normalized payload.
func checkShape(kind string, payload map[string]any) (map[string]any, []Violation, error) {
	shapesOnce.Do(compileShapes)
	if shapesErr != nil {
		return nil, nil, fmt.Errorf("compile shape schemas: %w", shapesErr)
	}

	normalized, err := normalizeValue(payload)
	if err != nil {
		return nil, []Violation{{Path: "", Reason: "payload is not valid JSON: " + err.Error()}}, nil
	}
	obj, ok := normalized.(map[string]any)
	if !ok {
		return nil, []Violation{{Path: "", Reason: "payload must be an object"}}, nil
	}

	compiled := jobShapeSchema
	if kind == "service" {
		compiled = serviceShapeSchema
	}

	if err := compiled.Validate(obj); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return nil, nil, fmt.Errorf("validate %s payload: %w", kind, err)
		}
		return nil, leafViolations(verr), nil
	}
	return obj, nil, nil
}

// leafViolations flattens a jsonschema error tree into its leaves.
func leafViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		return []Violation{{Path: pointerToPath(verr.InstanceLocation), Reason: verr.Message}}
	}
	var out []Violation
	seen := make(map[Violation]bool)
	for _, cause := range verr.Causes {
		for _, v := range leafViolations(cause) {
			if seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// pointerToPath converts a JSON pointer ("/input_schema/fields/1/name")
// into the dotted form used in validation errors ("input_schema.fields[1].name").
func pointerToPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	var b strings.Builder
	for _, token := range strings.Split(pointer, "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(token); err == nil {
			b.WriteString("[" + token + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(token)
	}
	return b.String()
}
