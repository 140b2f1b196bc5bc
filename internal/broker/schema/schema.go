// Package schema compiles the JSON Schema for the broker's one MCP tool's
// input, per spec.md §4.9: required fields
// [contract_version, request_id, requester, graph, operation], no other
// top-level fields permitted (spec.md §3).
//
// Grounded on the teacher's jsonschema/v5 usage pattern in the pack's
// pickjonathan-sdek-cli config validator: compile once at construction
// time via jsonschema.Compiler.AddResource + Compile, Draft2020, and
// reuse the compiled *jsonschema.Schema for every call.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceName = "auth-graph-operation-execute-v1.json"

// inputSchemaJSON mirrors model.Request: required top-level fields per
// spec.md §4.9/§3, additionalProperties false so unknown top-level fields
// fail schema validation. The server does not run this schema; its own
// hand-written validation enforces the same rules (the two are redundant
// by design -- see SPEC_FULL.md §4.9).
const inputSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"required": ["contract_version", "request_id", "requester", "graph", "operation"],
	"properties": {
		"contract_version": {"type": "string", "minLength": 1},
		"request_id": {"type": "string", "minLength": 1},
		"timeout_ms": {"type": "integer", "exclusiveMinimum": 0},
		"requester": {
			"type": "object",
			"additionalProperties": false,
			"required": ["requester_id"],
			"properties": {
				"requester_id": {"type": "string"},
				"identity_assurance": {"type": "string"}
			}
		},
		"graph": {
			"type": "object",
			"additionalProperties": false,
			"required": ["tenant_id", "resource", "scopes"],
			"properties": {
				"tenant_id": {"type": "string"},
				"resource": {"type": "string"},
				"scopes": {"type": "array", "items": {"type": "string"}}
			}
		},
		"operation": {
			"type": "object",
			"additionalProperties": false,
			"required": ["action", "method", "path"],
			"properties": {
				"action": {"type": "string"},
				"method": {"type": "string"},
				"path": {"type": "string"}
			}
		}
	}
}`

// Compile builds the tool's input schema. It is cheap enough to call once
// at process start and reuse; a compile failure here is a programming bug
// in inputSchemaJSON, not a runtime condition, so callers are expected to
// treat an error as fatal at startup.
func Compile() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource(resourceName, bytes.NewReader([]byte(inputSchemaJSON))); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return compiled, nil
}

// MustCompile is Compile but panics on error, for package-level
// initialization sites that have no error return of their own.
func MustCompile() *jsonschema.Schema {
	s, err := Compile()
	if err != nil {
		panic(err)
	}
	return s
}

// RawInputSchema returns the input schema as a decoded any, suitable for
// embedding verbatim in a ToolDescriptor's input_schema field (spec.md
// §4.9's discover_tools records).
func RawInputSchema() (any, error) {
	var v any
	if err := json.Unmarshal([]byte(inputSchemaJSON), &v); err != nil {
		return nil, fmt.Errorf("schema: decode raw schema: %w", err)
	}
	return v, nil
}
