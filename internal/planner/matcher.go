package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/memory"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

// Goal is one user-issued request.
type Goal struct {
	Text               string       `json:"text" yaml:"text"`
	Hints              ContextHints `json:"hints,omitempty" yaml:"hints,omitempty"`
	ConfirmDestructive bool         `json:"confirm_destructive" yaml:"confirm_destructive"`
}

// ContextHints carries ids the caller already knows and filter overrides for bulk goals.
type ContextHints struct {
	PropertyID string                 `json:"property_id,omitempty" yaml:"property_id,omitempty"`
	Filter     map[string]interface{} `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// FocusReader exposes the session entity most recently touched per type.
type FocusReader interface {
	Focus(t models.EntityType) (memory.Entity, bool)
}

// Context is the ambient state a goal is matched against.
type Context struct {
	Hints  ContextHints
	Memory FocusReader
}

// NoMatchError reports a goal that could not be turned into a plan.
type NoMatchError struct {
	Goal   string
	Rule   string
	Reason string
}

func (e *NoMatchError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("goal %q matched rule %s but could not be planned: %s", e.Goal, e.Rule, e.Reason)
	}
	if e.Reason != "" {
		return fmt.Sprintf("no plan for goal %q: %s", e.Goal, e.Reason)
	}
	return fmt.Sprintf("no rule matches goal %q", e.Goal)
}

// Matcher turns goals into plans using the ordered rule table.
type Matcher struct {
	registry *capability.Registry
	rules    []Rule
}

// NewMatcher builds a matcher over the default rule table. A nil registry skips contract checks.
func NewMatcher(reg *capability.Registry) *Matcher {
	return &Matcher{registry: reg, rules: Rules()}
}

// Match returns the plan of the first rule whose pattern matches the normalised goal.
func (m *Matcher) Match(goalText string, ctx Context) (*Plan, error) {
	cased := normalizeCased(goalText)
	lowered := strings.ToLower(cased)
	if lowered == "" {
		return nil, &NoMatchError{Goal: goalText, Reason: "goal is empty"}
	}
	for _, rule := range m.rules {
		loc := rule.Pattern.FindStringSubmatchIndex(lowered)
		if loc == nil {
			continue
		}
		mt := newMatch(rule, lowered, cased, loc, ctx)
		plan, err := rule.build(mt)
		if err != nil {
			return nil, &NoMatchError{Goal: lowered, Rule: rule.Name, Reason: err.Error()}
		}
		plan.Goal = lowered
		plan.Rule = rule.Name
		if err := m.checkBindings(plan); err != nil {
			return nil, &NoMatchError{Goal: lowered, Rule: rule.Name, Reason: err.Error()}
		}
		if err := Validate(plan); err != nil {
			return nil, fmt.Errorf("rule %s produced an invalid plan: %w", rule.Name, err)
		}
		return plan, nil
	}
	return nil, &NoMatchError{Goal: lowered}
}

// Normalize lower-cases, trims, collapses whitespace and strips trailing punctuation.
func Normalize(text string) string {
	return strings.ToLower(normalizeCased(text))
}

func normalizeCased(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	return strings.TrimRight(s, ".!?,;: ")
}

// checkBindings ensures every required input of every step is bound to a literal or a reference.
func (m *Matcher) checkBindings(plan *Plan) error {
	if m.registry == nil {
		return nil
	}
	for _, step := range plan.AllSteps() {
		def, err := m.registry.Lookup(step.ActionID)
		if err != nil {
			return err
		}
		for _, name := range requiredParams(def) {
			if _, ok := step.Refs[name]; ok {
				continue
			}
			v, ok := step.Params[name]
			if !ok || v == nil || v == "" {
				return fmt.Errorf("%s: parameter %s is unbound", step.ActionID, name)
			}
		}
	}
	return nil
}

func requiredParams(def capability.ActionDefinition) []string {
	switch req := def.InputSchema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type match struct {
	lowered string
	cased   string
	groups  map[string][2]int
	ctx     Context
}

func newMatch(rule Rule, lowered, cased string, loc []int, ctx Context) *match {
	mt := &match{lowered: lowered, cased: cased, groups: map[string][2]int{}, ctx: ctx}
	for i, name := range rule.Pattern.SubexpNames() {
		if name == "" || 2*i+1 >= len(loc) || loc[2*i] < 0 {
			continue
		}
		mt.groups[name] = [2]int{loc[2*i], loc[2*i+1]}
	}
	return mt
}

// group returns a lower-cased capture.
func (m *match) group(name string) string {
	loc, ok := m.groups[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(m.lowered[loc[0]:loc[1]])
}

// text returns a capture with the caller's casing when it can be recovered.
func (m *match) text(name string) string {
	loc, ok := m.groups[name]
	if !ok {
		return ""
	}
	if len(m.cased) != len(m.lowered) {
		return strings.TrimSpace(m.lowered[loc[0]:loc[1]])
	}
	return strings.TrimSpace(m.cased[loc[0]:loc[1]])
}

var (
	propertyIDPattern = regexp.MustCompile(`\bpropert(?:y|ies)\s+(?:id\s+|number\s+|no\.?\s*|#)?([a-z0-9-]*\d[a-z0-9-]*)\b`)
	addressPattern    = regexp.MustCompile(`\bproperty (?:at|on) (.+?)(?:\s+(?:as|to|for|with|and|saying|that|about)\b.*)?$`)
)

type subject struct {
	id      string
	address string
}

// subject resolves the property a goal is about: explicit id, then address, then hints, then session focus.
func (m *match) subject() (subject, error) {
	if loc := propertyIDPattern.FindStringSubmatchIndex(m.lowered); loc != nil {
		return subject{id: m.lowered[loc[2]:loc[3]]}, nil
	}
	if loc := addressPattern.FindStringSubmatchIndex(m.lowered); loc != nil {
		src := m.lowered
		if len(m.cased) == len(m.lowered) {
			src = m.cased
		}
		return subject{address: strings.TrimSpace(src[loc[2]:loc[3]])}, nil
	}
	if id := strings.TrimSpace(m.ctx.Hints.PropertyID); id != "" {
		return subject{id: id}, nil
	}
	if m.ctx.Memory != nil {
		if e, ok := m.ctx.Memory.Focus(models.EntityProperty); ok && e.ID != "" {
			return subject{id: e.ID}, nil
		}
	}
	return subject{}, fmt.Errorf("no property could be resolved from the goal, hints or session")
}

// builder accumulates the steps of a single-entity plan.
type builder struct {
	subject subject
	steps   []PlanStep
}

// startProperty opens a plan about the goal's property with resolve_property as step 0.
func (m *match) startProperty() (*builder, error) {
	subj, err := m.subject()
	if err != nil {
		return nil, err
	}
	b := &builder{subject: subj}
	identifier := subj.id
	if identifier == "" {
		identifier = subj.address
	}
	b.add(capability.ActionResolveProperty, map[string]interface{}{"identifier": identifier}, nil)
	return b, nil
}

func (b *builder) add(action string, params map[string]interface{}, refs map[string]Ref) int {
	idx := len(b.steps)
	if len(params) == 0 {
		params = nil
	}
	if len(refs) == 0 {
		refs = nil
	}
	b.steps = append(b.steps, PlanStep{Index: idx, ActionID: action, Params: params, Refs: refs, Status: StepPending})
	return idx
}

// onProperty adds a step bound to the subject: a literal id when known, else the resolver's output.
func (b *builder) onProperty(action string, params map[string]interface{}, refs map[string]Ref) int {
	p := map[string]interface{}{}
	for k, v := range params {
		p[k] = v
	}
	r := map[string]Ref{}
	for k, v := range refs {
		r[k] = v
	}
	if b.subject.id != "" {
		p["propertyId"] = b.subject.id
	} else {
		r["propertyId"] = OutputRef(0, "propertyId")
	}
	return b.add(action, p, r)
}

func (b *builder) when(idx int, cond Condition) {
	b.steps[idx].When = &cond
}

func (b *builder) plan() *Plan {
	p := &Plan{Steps: b.steps}
	if b.subject.id != "" {
		p.Subject = models.EntityRef{Type: models.EntityProperty, ID: b.subject.id}
	}
	return p
}

var knownStatuses = map[string]string{
	"active":         "active",
	"archived":       "archived",
	"closed":         "closed",
	"lead":           "lead",
	"listed":         "listed",
	"new":            "new",
	"off market":     "off_market",
	"pending":        "pending",
	"sold":           "sold",
	"under contract": "under_contract",
}

// fanOut builds a bulk plan that resolves properties by filter and runs template once per property.
func (m *match) fanOut(template ...string) *Plan {
	filter := map[string]interface{}{}
	if city := m.group("city"); city != "" {
		filter["city"] = city
	}
	if scope := m.group("scope"); scope != "" {
		if status, ok := knownStatuses[scope]; ok {
			filter["status"] = status
		} else if _, set := filter["city"]; !set {
			filter["city"] = scope
		}
	}
	for k, v := range m.ctx.Hints.Filter {
		filter[k] = v
	}
	fo := &FanOut{
		Filter: filter,
		Resolver: PlanStep{
			Index:    0,
			ActionID: capability.ActionResolvePropertiesByFilter,
			Params:   map[string]interface{}{"filter": filter},
			Status:   StepPending,
		},
	}
	for i, action := range template {
		fo.Template = append(fo.Template, PlanStep{
			Index:    i,
			ActionID: action,
			Refs:     map[string]Ref{"propertyId": EntityIDRef()},
			Status:   StepPending,
		})
	}
	return &Plan{FanOut: fo}
}
