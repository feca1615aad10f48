package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan_schema.json
var planSchemaJSON string

// DocumentVersion is the version of the plan document layout.
const DocumentVersion = "v1"

// PlanDocument is the canonical JSON rendering of a plan used by dry runs and audits.
type PlanDocument struct {
	Version          string            `json:"version" yaml:"version"`
	CatalogVersion   string            `json:"catalog_version,omitempty" yaml:"catalog_version,omitempty"`
	Goal             string            `json:"goal" yaml:"goal"`
	Rule             string            `json:"rule" yaml:"rule"`
	Subject          *models.EntityRef `json:"subject,omitempty" yaml:"subject,omitempty"`
	Steps            []DocumentStep    `json:"steps,omitempty" yaml:"steps,omitempty"`
	FanOut           *DocumentFanOut   `json:"fan_out,omitempty" yaml:"fan_out,omitempty"`
	SubPlans         []DocumentSubPlan `json:"sub_plans,omitempty" yaml:"sub_plans,omitempty"`
	DestructiveSteps []string          `json:"destructive_steps,omitempty" yaml:"destructive_steps,omitempty"`
}

// DocumentStep renders one plan step together with its side-effect class.
type DocumentStep struct {
	Index      int                    `json:"index" yaml:"index"`
	ActionID   string                 `json:"action_id" yaml:"action_id"`
	SideEffect string                 `json:"side_effect,omitempty" yaml:"side_effect,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	Refs       map[string]Ref         `json:"refs,omitempty" yaml:"refs,omitempty"`
	When       *Condition             `json:"when,omitempty" yaml:"when,omitempty"`
	Status     StepStatus             `json:"status" yaml:"status"`
	Attempts   int                    `json:"attempts" yaml:"attempts"`
}

// DocumentFanOut renders the bulk part of a plan.
type DocumentFanOut struct {
	Filter   map[string]interface{} `json:"filter" yaml:"filter"`
	Resolver DocumentStep           `json:"resolver" yaml:"resolver"`
	Template []DocumentStep         `json:"template" yaml:"template"`
}

// DocumentSubPlan renders one instantiated sub-plan.
type DocumentSubPlan struct {
	Entity models.EntityRef `json:"entity" yaml:"entity"`
	Steps  []DocumentStep   `json:"steps" yaml:"steps"`
}

// Document renders plan. When reg is set, steps carry their side-effect class and
// destructive steps are listed.
func Document(plan *Plan, reg *capability.Registry) PlanDocument {
	doc := PlanDocument{Version: DocumentVersion, Goal: plan.Goal, Rule: plan.Rule}
	if reg != nil {
		doc.CatalogVersion = reg.Version()
	}
	if !plan.Subject.IsZero() {
		subj := plan.Subject
		doc.Subject = &subj
	}
	doc.Steps = documentSteps(plan.Steps, reg)
	if plan.FanOut != nil {
		doc.FanOut = &DocumentFanOut{
			Filter:   plan.FanOut.Filter,
			Resolver: documentStep(plan.FanOut.Resolver, reg),
			Template: documentSteps(plan.FanOut.Template, reg),
		}
		if doc.FanOut.Filter == nil {
			doc.FanOut.Filter = map[string]interface{}{}
		}
	}
	for _, sp := range plan.SubPlans {
		doc.SubPlans = append(doc.SubPlans, DocumentSubPlan{Entity: sp.Entity, Steps: documentSteps(sp.Steps, reg)})
	}
	for _, s := range plan.AllSteps() {
		if reg == nil {
			break
		}
		if def, err := reg.Lookup(s.ActionID); err == nil && def.SideEffect == capability.SideEffectDestructive {
			doc.DestructiveSteps = append(doc.DestructiveSteps, fmt.Sprintf("%d:%s", s.Index, s.ActionID))
		}
	}
	return doc
}

func documentSteps(steps []PlanStep, reg *capability.Registry) []DocumentStep {
	if len(steps) == 0 {
		return nil
	}
	out := make([]DocumentStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, documentStep(s, reg))
	}
	return out
}

func documentStep(s PlanStep, reg *capability.Registry) DocumentStep {
	ds := DocumentStep{
		Index:    s.Index,
		ActionID: s.ActionID,
		Params:   s.Params,
		Refs:     s.Refs,
		When:     s.When,
		Status:   s.Status,
		Attempts: s.Attempts,
	}
	if ds.Status == "" {
		ds.Status = StepPending
	}
	if reg != nil {
		if def, err := reg.Lookup(s.ActionID); err == nil {
			ds.SideEffect = string(def.SideEffect)
		}
	}
	return ds
}

// EncodeDocument marshals doc and validates the result against the plan schema.
func EncodeDocument(doc PlanDocument) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal plan document: %w", err)
	}
	if err := ValidatePlanDocument(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

var (
	compileOnce sync.Once
	planSchema  *jsonschema.Schema
	compileErr  error
)

// PlanSchema returns the compiled JSON Schema for plan documents.
func PlanSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan_schema.json", strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("plan_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, compileErr
}

// ValidatePlanDocument validates the provided JSON bytes against the plan schema.
func ValidatePlanDocument(data []byte) error {
	schema, err := PlanSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("plan does not match schema: %w", err)
	}
	return nil
}
