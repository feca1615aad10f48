package streams

import "fmt"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventGoalSubmitted,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "goal", "confirm_destructive"],
  "properties": {
    "run_id": {"type": "string"},
    "session_id": {"type": "string"},
    "goal": {"type": "string", "minLength": 1},
    "confirm_destructive": {"type": "boolean"},
    "property_id": {"type": "string"},
    "filter": {"type": "object", "additionalProperties": true}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventPlanCompleted,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "session_id", "outcome", "voice_summary"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "session_id": {"type": "string"},
    "rule": {"type": "string"},
    "outcome": {"type": "string", "enum": ["COMPLETED", "PARTIALLY_COMPLETED", "FAILED", "ABORTED", "NO_PLAN"]},
    "voice_summary": {"type": "string"},
    "error": {"type": "string"},
    "checksum": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the baseline event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}

// NewDefaultRegistry returns a registry with the base schemas loaded.
func NewDefaultRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
