package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// fileSchema is the JSON-Schema the registry file (spec §6.2: "JSON array
// of RegistryRecord objects") must satisfy before per-record manifest-hash
// verification runs. Schema violations are surfaced as RegistryCorruption,
// the same error kind as a hash mismatch, just caught earlier.
const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "provider", "status", "safety_grade", "manifest_hash", "quality_score"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "provider": {"type": "string", "minLength": 1},
      "status": {"enum": ["active", "shadow", "deprecated", "sunset"]},
      "safety_grade": {"enum": ["A", "B", "C", "D"]},
      "manifest_hash": {"type": "string", "minLength": 1},
      "tags": {"type": ["array", "null"], "items": {"type": "string"}},
      "latency_p50_ms": {"type": "integer", "minimum": 0},
      "latency_p95_ms": {"type": "integer", "minimum": 0},
      "quality_score": {"type": "number", "minimum": 0, "maximum": 1},
      "cost_per_input_token": {"type": "number", "minimum": 0},
      "cost_per_output_token": {"type": "number", "minimum": 0}
    }
  }
}`

var compiledFileSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("registry-file.json", bytes.NewReader([]byte(fileSchema))); err != nil {
		panic(fmt.Sprintf("registry: invalid embedded schema: %v", err))
	}
	s, err := c.Compile("registry-file.json")
	if err != nil {
		panic(fmt.Sprintf("registry: schema compile: %v", err))
	}
	compiledFileSchema = s
}

// ValidateFileSchema validates raw registry-file JSON bytes against the
// embedded schema, ahead of per-record manifest hash verification.
func ValidateFileSchema(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("registry: invalid json: %w", err)
	}
	if err := compiledFileSchema.Validate(doc); err != nil {
		return fmt.Errorf("registry: schema violation: %w", err)
	}
	return nil
}
