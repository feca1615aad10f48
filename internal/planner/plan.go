package planner

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mohammad-safakhou/voiceplanner/models"
)

// StepStatus is the per-step state machine: PENDING -> RUNNING -> terminal.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepRunning    StepStatus = "RUNNING"
	StepSucceeded  StepStatus = "SUCCEEDED"
	StepFailed     StepStatus = "FAILED"
	StepRolledBack StepStatus = "ROLLED_BACK"
	StepSkipped    StepStatus = "SKIPPED"
)

// Terminal reports whether no further transition is possible.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepRolledBack, StepSkipped:
		return true
	}
	return false
}

// RefKind selects where a step parameter is read from at execution time.
type RefKind string

const (
	// RefOutput reads a field of an earlier step's output in the same (sub-)plan.
	RefOutput RefKind = "output"
	// RefTrace passes the results recorded so far in the same (sub-)plan.
	RefTrace RefKind = "trace"
	// RefEntity is the fan-out entity id; only valid in templates.
	RefEntity RefKind = "entity"
)

// Ref binds a parameter to a value produced during execution.
type Ref struct {
	Kind  RefKind `json:"kind"`
	Step  int     `json:"step,omitempty"`
	Field string  `json:"field,omitempty"`
}

func OutputRef(step int, field string) Ref { return Ref{Kind: RefOutput, Step: step, Field: field} }
func TraceRef() Ref                        { return Ref{Kind: RefTrace} }
func EntityIDRef() Ref                     { return Ref{Kind: RefEntity} }

// ConditionOp is the test a When condition applies to an earlier output field.
type ConditionOp string

const (
	WhenNonEmpty ConditionOp = "non_empty"
	WhenEmpty    ConditionOp = "empty"
	WhenTrue     ConditionOp = "true"
	WhenFalse    ConditionOp = "false"
)

// Condition gates a step on an earlier step's output. A missing output evaluates to false.
type Condition struct {
	Step  int         `json:"step"`
	Field string      `json:"field"`
	Op    ConditionOp `json:"op"`
}

// Evaluate applies the condition to the referenced step's output.
func (c Condition) Evaluate(output map[string]interface{}, ok bool) bool {
	if !ok {
		return false
	}
	v, present := output[c.Field]
	switch c.Op {
	case WhenNonEmpty:
		return present && !isEmpty(v)
	case WhenEmpty:
		return !present || isEmpty(v)
	case WhenTrue:
		b, _ := v.(bool)
		return b
	case WhenFalse:
		b, isBool := v.(bool)
		return isBool && !b
	}
	return false
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array:
		return rv.Len() == 0
	case reflect.Bool:
		return !rv.Bool()
	}
	return false
}

func (c Condition) String() string {
	return fmt.Sprintf("step %d %s is %s", c.Step, c.Field, strings.ReplaceAll(string(c.Op), "_", "-"))
}

// PlanStep is one instantiated action.
type PlanStep struct {
	Index    int                    `json:"index"`
	ActionID string                 `json:"action_id"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Refs     map[string]Ref         `json:"refs,omitempty"`
	When     *Condition             `json:"when,omitempty"`
	Status   StepStatus             `json:"status"`
	Attempts int                    `json:"attempts"`
}

func (s PlanStep) clone() PlanStep {
	out := s
	if s.Params != nil {
		out.Params = make(map[string]interface{}, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.Refs != nil {
		out.Refs = make(map[string]Ref, len(s.Refs))
		for k, v := range s.Refs {
			out.Refs[k] = v
		}
	}
	if s.When != nil {
		w := *s.When
		out.When = &w
	}
	return out
}

// FanOut describes a bulk plan: the resolver yields entities, the template runs once per entity.
type FanOut struct {
	Filter   map[string]interface{} `json:"filter"`
	Resolver PlanStep               `json:"resolver"`
	Template []PlanStep             `json:"template"`
}

// SubPlan is the template instantiated for one entity.
type SubPlan struct {
	Entity models.EntityRef `json:"entity"`
	Steps  []PlanStep       `json:"steps"`
}

// Plan is the ordered program produced for one goal.
type Plan struct {
	Goal     string           `json:"goal"`
	Rule     string           `json:"rule"`
	Subject  models.EntityRef `json:"subject,omitempty"`
	Steps    []PlanStep       `json:"steps,omitempty"`
	FanOut   *FanOut          `json:"fan_out,omitempty"`
	SubPlans []SubPlan        `json:"sub_plans,omitempty"`
}

// IsFanOut reports whether the plan runs a template per resolved entity.
func (p *Plan) IsFanOut() bool { return p != nil && p.FanOut != nil }

// ActionIDs returns the plan shape: steps, or resolver followed by the template for fan-out plans.
func (p *Plan) ActionIDs() []string {
	var ids []string
	for _, s := range p.AllSteps() {
		ids = append(ids, s.ActionID)
	}
	return ids
}

// AllSteps returns every step the plan can run, including the fan-out resolver and template.
// Instantiated sub-plans are not repeated since they share the template.
func (p *Plan) AllSteps() []PlanStep {
	if p == nil {
		return nil
	}
	if p.FanOut == nil {
		return append([]PlanStep(nil), p.Steps...)
	}
	out := []PlanStep{p.FanOut.Resolver}
	return append(out, p.FanOut.Template...)
}

// Clone deep-copies the plan so executions never share step state.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{Goal: p.Goal, Rule: p.Rule, Subject: p.Subject}
	out.Steps = cloneSteps(p.Steps)
	if p.FanOut != nil {
		fo := &FanOut{Resolver: p.FanOut.Resolver.clone(), Template: cloneSteps(p.FanOut.Template)}
		if p.FanOut.Filter != nil {
			fo.Filter = make(map[string]interface{}, len(p.FanOut.Filter))
			for k, v := range p.FanOut.Filter {
				fo.Filter[k] = v
			}
		}
		out.FanOut = fo
	}
	for _, sp := range p.SubPlans {
		out.SubPlans = append(out.SubPlans, SubPlan{Entity: sp.Entity, Steps: cloneSteps(sp.Steps)})
	}
	return out
}

func cloneSteps(steps []PlanStep) []PlanStep {
	if steps == nil {
		return nil
	}
	out := make([]PlanStep, len(steps))
	for i, s := range steps {
		out[i] = s.clone()
	}
	return out
}

// ErrNotFanOut is returned when expanding a plan without a template.
var ErrNotFanOut = errors.New("plan is not a fan-out plan")

// Expand instantiates one identical sub-plan per entity, binding entity refs to the entity id.
// Duplicate entities are expanded once.
func Expand(plan *Plan, entities []models.EntityRef) (*Plan, error) {
	if !plan.IsFanOut() {
		return nil, ErrNotFanOut
	}
	out := plan.Clone()
	out.SubPlans = nil
	for _, ent := range models.DedupRefs(entities) {
		steps := cloneSteps(plan.FanOut.Template)
		for i := range steps {
			for name, ref := range steps[i].Refs {
				if ref.Kind != RefEntity {
					continue
				}
				if steps[i].Params == nil {
					steps[i].Params = map[string]interface{}{}
				}
				steps[i].Params[name] = ent.ID
				delete(steps[i].Refs, name)
			}
			if len(steps[i].Refs) == 0 {
				steps[i].Refs = nil
			}
			steps[i].Status = StepPending
			steps[i].Attempts = 0
		}
		out.SubPlans = append(out.SubPlans, SubPlan{Entity: ent, Steps: steps})
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks the structural invariants of a plan. A step may only reference outputs of
// earlier steps in its own step list, so references across sub-plans cannot be expressed.
func Validate(plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("plan is nil")
	}
	if plan.FanOut == nil {
		if len(plan.SubPlans) > 0 {
			return fmt.Errorf("sub-plans require a fan-out template")
		}
		if len(plan.Steps) == 0 {
			return fmt.Errorf("plan has no steps")
		}
		return validateSteps("plan", plan.Steps, false)
	}
	if len(plan.Steps) > 0 {
		return fmt.Errorf("fan-out plan cannot carry top-level steps")
	}
	if len(plan.FanOut.Template) == 0 {
		return fmt.Errorf("fan-out template has no steps")
	}
	if err := validateSteps("resolver", []PlanStep{plan.FanOut.Resolver}, false); err != nil {
		return err
	}
	if err := validateSteps("template", plan.FanOut.Template, true); err != nil {
		return err
	}
	for _, sp := range plan.SubPlans {
		if err := validateSteps("sub-plan "+sp.Entity.String(), sp.Steps, false); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(scope string, steps []PlanStep, template bool) error {
	for i, s := range steps {
		if s.Index != i {
			return fmt.Errorf("%s step %d has index %d", scope, i, s.Index)
		}
		if strings.TrimSpace(s.ActionID) == "" {
			return fmt.Errorf("%s step %d has no action", scope, i)
		}
		for name, ref := range s.Refs {
			switch ref.Kind {
			case RefOutput:
				if ref.Step < 0 || ref.Step >= i {
					return fmt.Errorf("%s step %d param %s references step %d: only earlier steps may be referenced", scope, i, name, ref.Step)
				}
				if ref.Field == "" {
					return fmt.Errorf("%s step %d param %s references no field", scope, i, name)
				}
			case RefTrace:
			case RefEntity:
				if !template {
					return fmt.Errorf("%s step %d param %s is bound to the fan-out entity outside a template", scope, i, name)
				}
			default:
				return fmt.Errorf("%s step %d param %s has unknown reference kind %q", scope, i, name, ref.Kind)
			}
			if _, dup := s.Params[name]; dup {
				return fmt.Errorf("%s step %d param %s is bound twice", scope, i, name)
			}
		}
		if s.When != nil && (s.When.Step < 0 || s.When.Step >= i) {
			return fmt.Errorf("%s step %d condition references step %d: only earlier steps may be referenced", scope, i, s.When.Step)
		}
	}
	return nil
}
