// Package streams carries goal intake and plan results over Redis Streams as schema-checked envelopes.
package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry stores compiled JSON Schemas keyed by event type and payload version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]map[string]*jsonschema.Schema
}

// NewSchemaRegistry constructs an empty registry instance.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]map[string]*jsonschema.Schema)}
}

// Register compiles and stores a JSON schema for the given event type and version.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" {
		return fmt.Errorf("eventType must be provided")
	}
	if version == "" {
		return fmt.Errorf("version must be provided")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schemaBytes is empty")
	}

	resource := fmt.Sprintf("%s.%s.json", eventType, version)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[eventType]; !ok {
		r.schemas[eventType] = make(map[string]*jsonschema.Schema)
	}
	r.schemas[eventType][version] = compiled
	return nil
}

// Has reports whether a schema is registered for the event type and version.
func (r *SchemaRegistry) Has(eventType, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[eventType][version]
	return ok
}

// Validate checks payload bytes against the registered schema for event type/version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	if eventType == "" {
		return fmt.Errorf("eventType must be provided")
	}
	if version == "" {
		return fmt.Errorf("version must be provided")
	}

	r.mu.RLock()
	versions, ok := r.schemas[eventType]
	var schema *jsonschema.Schema
	if ok {
		schema, ok = versions[version]
	}
	r.mu.RUnlock()
	if versions == nil {
		return fmt.Errorf("no schema registered for event type %q", eventType)
	}
	if !ok {
		return fmt.Errorf("no schema registered for event %q version %q", eventType, version)
	}

	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}
