// Package safety rejects plans that would run destructive actions without confirmation.
package safety

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
)

// BlockedStep names a destructive step that needs confirmation.
type BlockedStep struct {
	Scope    string `json:"scope"`
	Index    int    `json:"index"`
	ActionID string `json:"action_id"`
}

func (b BlockedStep) String() string {
	return fmt.Sprintf("%s step %d (%s)", b.Scope, b.Index, b.ActionID)
}

// DestructiveActionBlockedError is returned when an unconfirmed plan contains destructive steps.
// No step of such a plan may run.
type DestructiveActionBlockedError struct {
	Steps []BlockedStep
}

func (e *DestructiveActionBlockedError) Error() string {
	names := make([]string, 0, len(e.Steps))
	for _, s := range e.Steps {
		names = append(names, s.String())
	}
	return fmt.Sprintf("destructive actions require confirmation: %s", strings.Join(names, ", "))
}

// Gate classifies plan steps against the action registry.
type Gate struct {
	registry *capability.Registry
}

func NewGate(reg *capability.Registry) *Gate {
	return &Gate{registry: reg}
}

// Authorize scans every step, including fan-out resolver and template, once before execution.
func (g *Gate) Authorize(plan *planner.Plan, confirmDestructive bool) (*planner.Plan, error) {
	blocked, err := g.Destructive(plan)
	if err != nil {
		return nil, err
	}
	if len(blocked) > 0 && !confirmDestructive {
		return nil, &DestructiveActionBlockedError{Steps: blocked}
	}
	return plan, nil
}

// Destructive lists the destructive steps of a plan.
func (g *Gate) Destructive(plan *planner.Plan) ([]BlockedStep, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	var blocked []BlockedStep
	check := func(scope string, steps []planner.PlanStep) error {
		for _, s := range steps {
			def, err := g.registry.Lookup(s.ActionID)
			if err != nil {
				return err
			}
			switch def.SideEffect {
			case capability.SideEffectDestructive:
				blocked = append(blocked, BlockedStep{Scope: scope, Index: s.Index, ActionID: s.ActionID})
			case capability.SideEffectRead, capability.SideEffectMutate:
			default:
				return fmt.Errorf("action %s has unknown side effect %q", s.ActionID, def.SideEffect)
			}
		}
		return nil
	}
	if plan.FanOut == nil {
		if err := check("plan", plan.Steps); err != nil {
			return nil, err
		}
		return blocked, nil
	}
	if err := check("resolver", []planner.PlanStep{plan.FanOut.Resolver}); err != nil {
		return nil, err
	}
	if err := check("template", plan.FanOut.Template); err != nil {
		return nil, err
	}
	for _, sp := range plan.SubPlans {
		if err := check("sub-plan "+sp.Entity.ID, sp.Steps); err != nil {
			return nil, err
		}
	}
	return blocked, nil
}
