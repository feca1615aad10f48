package capability

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/models"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SideEffect classifies what an action does to collaborator state.
type SideEffect string

const (
	SideEffectRead        SideEffect = "READ"
	SideEffectMutate      SideEffect = "MUTATE"
	SideEffectDestructive SideEffect = "DESTRUCTIVE"
)

// Mutates reports whether actions of this class require a checkpoint.
func (s SideEffect) Mutates() bool {
	switch s {
	case SideEffectMutate, SideEffectDestructive:
		return true
	default:
		return false
	}
}

// Touch names an input parameter holding the id of an entity the action mutates.
type Touch struct {
	Type  models.EntityType `json:"type"`
	Param string            `json:"param"`
}

// ActionDefinition is the immutable contract of one catalog action.
type ActionDefinition struct {
	ID                  string                 `json:"id"`
	Version             string                 `json:"version"`
	Description         string                 `json:"description"`
	InputSchema         map[string]interface{} `json:"input_schema"`
	OutputSchema        map[string]interface{} `json:"output_schema"`
	SideEffect          SideEffect             `json:"side_effect"`
	Idempotent          bool                   `json:"idempotent"`
	MaxRetries          int                    `json:"max_retries"`
	RetryableErrorKinds []ErrorKind            `json:"retryable_error_kinds"`
	Timeout             time.Duration          `json:"timeout,omitempty"`
	Touches             []Touch                `json:"touches,omitempty"`
}

// Retryable reports whether an error of the given kind may be retried for this action.
func (d ActionDefinition) Retryable(kind ErrorKind) bool {
	for _, k := range d.RetryableErrorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// TouchedEntities resolves the entity references the action mutates from bound params.
func (d ActionDefinition) TouchedEntities(params map[string]interface{}) []models.EntityRef {
	var refs []models.EntityRef
	for _, t := range d.Touches {
		id := paramString(params[t.Param])
		if id == "" {
			continue
		}
		refs = append(refs, models.EntityRef{Type: t.Type, ID: id})
	}
	return models.DedupRefs(refs)
}

// ErrActionNotFound indicates an action id outside the catalog.
var ErrActionNotFound = errors.New("action not found")

// ErrActionMissing indicates a required action is not registered.
var ErrActionMissing = errors.New("required action missing")

// Registry holds validated action definitions keyed by id. It is read-only after construction.
type Registry struct {
	version string
	actions map[string]ActionDefinition
	order   []string
	inputs  map[string]*jsonschema.Schema
	outputs map[string]*jsonschema.Schema
}

// NewRegistry validates definitions, compiles their contracts and ensures required actions exist.
// Duplicate ids are rejected so that the catalog stays auditable.
func NewRegistry(version string, defs []ActionDefinition, required []string) (*Registry, error) {
	reg := &Registry{
		version: version,
		actions: make(map[string]ActionDefinition, len(defs)),
		inputs:  make(map[string]*jsonschema.Schema, len(defs)),
		outputs: make(map[string]*jsonschema.Schema, len(defs)),
	}
	for _, def := range defs {
		if err := ValidateDefinition(def); err != nil {
			return nil, fmt.Errorf("action %s: %w", def.ID, err)
		}
		if _, dup := reg.actions[def.ID]; dup {
			return nil, fmt.Errorf("duplicate action id %s", def.ID)
		}
		schema, err := compileSchema(def.ID+".input.json", def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("action %s input schema: %w", def.ID, err)
		}
		out, err := compileSchema(def.ID+".output.json", def.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("action %s output schema: %w", def.ID, err)
		}
		reg.actions[def.ID] = def
		reg.inputs[def.ID] = schema
		reg.outputs[def.ID] = out
		reg.order = append(reg.order, def.ID)
	}
	for _, r := range required {
		if _, ok := reg.actions[r]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrActionMissing, r)
		}
	}
	return reg, nil
}

// NewDefaultRegistry builds the registry from the built-in catalog.
func NewDefaultRegistry() (*Registry, error) {
	return NewRegistry(CatalogVersion, Catalog(), nil)
}

// Lookup returns the definition for an action id.
func (r *Registry) Lookup(actionID string) (ActionDefinition, error) {
	if r == nil {
		return ActionDefinition{}, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	def, ok := r.actions[actionID]
	if !ok {
		return ActionDefinition{}, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	return def, nil
}

// Version returns the catalog version the registry was built from.
func (r *Registry) Version() string { return r.version }

// Definitions returns all definitions in catalog order.
func (r *Registry) Definitions() []ActionDefinition {
	out := make([]ActionDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.actions[id])
	}
	return out
}

// ValidateParams checks bound parameters against the action's input contract.
func (r *Registry) ValidateParams(actionID string, params map[string]interface{}) error {
	schema, ok := r.inputs[actionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	doc, err := jsonDocument(params)
	if err != nil {
		return NewValidation(actionID, fmt.Sprintf("params not serialisable: %v", err))
	}
	if err := schema.Validate(doc); err != nil {
		return &Error{Kind: KindValidation, Action: actionID, Message: "params do not match input contract", Err: err}
	}
	return nil
}

// ValidateOutput checks a capability result against the action's output contract. A collaborator
// that breaks its contract is an internal failure, not bad input.
func (r *Registry) ValidateOutput(actionID string, output map[string]interface{}) error {
	schema, ok := r.outputs[actionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	if output == nil {
		output = map[string]interface{}{}
	}
	doc, err := jsonDocument(output)
	if err != nil {
		return &Error{Kind: KindInternal, Action: actionID, Message: "output not serialisable", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &Error{Kind: KindInternal, Action: actionID, Message: "output does not match output contract", Err: err}
	}
	return nil
}

func jsonDocument(v map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ValidateDefinition checks a definition for structural problems.
func ValidateDefinition(def ActionDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(def.Version) == "" {
		return fmt.Errorf("version is required")
	}
	switch def.SideEffect {
	case SideEffectRead, SideEffectMutate, SideEffectDestructive:
	default:
		return fmt.Errorf("unknown side effect class %q", def.SideEffect)
	}
	if def.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	if def.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if def.InputSchema == nil || def.OutputSchema == nil {
		return fmt.Errorf("input and output schemas are required")
	}
	if _, err := compileSchema(def.ID+".output.json", def.OutputSchema); err != nil {
		return fmt.Errorf("output schema: %w", err)
	}
	if def.SideEffect == SideEffectRead && len(def.Touches) > 0 {
		return fmt.Errorf("READ actions cannot declare touched entities")
	}
	for _, t := range def.Touches {
		if !t.Type.Valid() || t.Param == "" {
			return fmt.Errorf("invalid touch %+v", t)
		}
	}
	return nil
}

func compileSchema(name string, doc map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(name)
}

// ComputeChecksum returns a deterministic hash over the catalog version and definitions.
func ComputeChecksum(version string, defs []ActionDefinition) (string, error) {
	sorted := append([]ActionDefinition(nil), defs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	payload := map[string]interface{}{
		"version": version,
		"actions": sorted,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// Checksum returns the registry's catalog checksum.
func (r *Registry) Checksum() (string, error) {
	return ComputeChecksum(r.version, r.Definitions())
}

// SignCatalog computes an HMAC signature of the catalog checksum.
func SignCatalog(version string, defs []ActionDefinition, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(version, defs)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks the registry against an expected catalog signature.
// An empty secret disables verification.
func (r *Registry) VerifySignature(secret, signature string) error {
	if secret == "" {
		return nil
	}
	expected, err := SignCatalog(r.version, r.Definitions(), secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("catalog signature mismatch")
	}
	return nil
}

func paramString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
