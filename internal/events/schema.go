package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema enforces the §6.1 wire shape before a line is routed: type,
// timestamp, taskId, sessionId are required; data defaults to {} at the
// bridge layer rather than here (schema validation only rejects malformed
// envelopes, it doesn't apply defaults).
const envelopeSchema = `{
	"type": "object",
	"required": ["type", "timestamp", "taskId", "sessionId"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"timestamp": {"type": "number"},
		"taskId": {"type": "string", "minLength": 1},
		"sessionId": {"type": "string", "minLength": 1},
		"data": {"type": "object"}
	}
}`

// Validator compiles and caches the envelope JSON Schema used to validate
// every line the container bridge reads before it is routed.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the envelope schema once, for reuse across the
// lifetime of the bridge.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	sch, err := compiler.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// ValidateLine decodes a raw JSON line and validates it against the
// envelope schema. Returns the decoded instance (suitable for further
// unmarshalling into RawEvent) or an error describing the first violation.
func (v *Validator) ValidateLine(line []byte) (map[string]any, error) {
	var instance map[string]any
	if err := json.Unmarshal(line, &instance); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}
	return instance, nil
}
