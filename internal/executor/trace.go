package executor

import (
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

// PlanOutcome is the terminal state of a plan or sub-plan.
type PlanOutcome string

const (
	OutcomeCompleted          PlanOutcome = "COMPLETED"
	OutcomePartiallyCompleted PlanOutcome = "PARTIALLY_COMPLETED"
	OutcomeFailed             PlanOutcome = "FAILED"
	OutcomeAborted            PlanOutcome = "ABORTED"
)

// Scopes used for step results of single-entity and fan-out plans. Sub-plans use their entity key.
const (
	ScopePlan     = "plan"
	ScopeResolver = "resolver"
	ScopeTemplate = "template"
)

// StepResult records what happened to one step.
type StepResult struct {
	SubPlan       string                 `json:"sub_plan" yaml:"sub_plan"`
	StepIndex     int                    `json:"step_index" yaml:"step_index"`
	ActionID      string                 `json:"action_id" yaml:"action_id"`
	Status        planner.StepStatus     `json:"status" yaml:"status"`
	Attempts      int                    `json:"attempts" yaml:"attempts"`
	OutputSummary string                 `json:"output_summary,omitempty" yaml:"output_summary,omitempty"`
	Output        map[string]interface{} `json:"output,omitempty" yaml:"output,omitempty"`
	DurationMs    int64                  `json:"duration_ms" yaml:"duration_ms"`
	Error         string                 `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind     capability.ErrorKind   `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Memoized      bool                   `json:"memoized,omitempty" yaml:"memoized,omitempty"`
}

// SubPlanOutcome is the outcome of one scope: the whole plan, the fan-out resolver, or one entity.
type SubPlanOutcome struct {
	Scope        string             `json:"scope" yaml:"scope"`
	Entity       models.EntityRef   `json:"entity,omitempty" yaml:"entity,omitempty"`
	Outcome      PlanOutcome        `json:"outcome" yaml:"outcome"`
	Error        string             `json:"error,omitempty" yaml:"error,omitempty"`
	Inconsistent []models.EntityRef `json:"inconsistent_entities,omitempty" yaml:"inconsistent_entities,omitempty"`
}

// Trace is the audit artifact of one run. It is not modified once the run is terminal.
type Trace struct {
	RunID          string             `json:"run_id" yaml:"run_id"`
	SessionID      string             `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Goal           string             `json:"goal" yaml:"goal"`
	Rule           string             `json:"rule" yaml:"rule"`
	CatalogVersion string             `json:"catalog_version,omitempty" yaml:"catalog_version,omitempty"`
	Outcome        PlanOutcome        `json:"outcome" yaml:"outcome"`
	Error          string             `json:"error,omitempty" yaml:"error,omitempty"`
	Steps          []StepResult       `json:"steps" yaml:"steps"`
	SubPlans       []SubPlanOutcome   `json:"sub_plans,omitempty" yaml:"sub_plans,omitempty"`
	Inconsistent   []models.EntityRef `json:"inconsistent_entities,omitempty" yaml:"inconsistent_entities,omitempty"`
	Plan           *planner.Plan      `json:"plan,omitempty" yaml:"plan,omitempty"`
	StartedAt      time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time          `json:"finished_at" yaml:"finished_at"`
}

// Invocations counts capability calls made during the run.
func (t *Trace) Invocations() int {
	n := 0
	for _, s := range t.Steps {
		n += s.Attempts
	}
	return n
}

// StepsIn returns the results of one scope in step order.
func (t *Trace) StepsIn(scope string) []StepResult {
	var out []StepResult
	for _, s := range t.Steps {
		if s.SubPlan == scope {
			out = append(out, s)
		}
	}
	return out
}

// SkippedTrace records a plan that was rejected before any step ran: every step is SKIPPED
// with zero attempts and the outcome is ABORTED.
func SkippedTrace(runID, sessionID, catalogVersion string, plan *planner.Plan, reason error, at time.Time) *Trace {
	tr := &Trace{
		RunID:          runID,
		SessionID:      sessionID,
		CatalogVersion: catalogVersion,
		Outcome:        OutcomeAborted,
		StartedAt:      at,
		FinishedAt:     at,
	}
	if reason != nil {
		tr.Error = reason.Error()
	}
	if plan == nil {
		return tr
	}
	tr.Goal, tr.Rule = plan.Goal, plan.Rule
	tr.Plan = plan.Clone()
	skip := func(scope string, steps []planner.PlanStep) {
		for i := range steps {
			steps[i].Status = planner.StepSkipped
			tr.Steps = append(tr.Steps, StepResult{SubPlan: scope, StepIndex: steps[i].Index, ActionID: steps[i].ActionID, Status: planner.StepSkipped})
		}
	}
	if tr.Plan.FanOut == nil {
		skip(ScopePlan, tr.Plan.Steps)
		tr.SubPlans = []SubPlanOutcome{{Scope: ScopePlan, Outcome: OutcomeAborted, Error: tr.Error}}
		return tr
	}
	resolver := []planner.PlanStep{tr.Plan.FanOut.Resolver}
	skip(ScopeResolver, resolver)
	tr.Plan.FanOut.Resolver = resolver[0]
	skip(ScopeTemplate, tr.Plan.FanOut.Template)
	tr.SubPlans = []SubPlanOutcome{{Scope: ScopeResolver, Outcome: OutcomeAborted, Error: tr.Error}}
	return tr
}
