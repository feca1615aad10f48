package safety

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
)

func newGate(t *testing.T) (*Gate, *planner.Matcher) {
	t.Helper()
	reg, err := capability.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	return NewGate(reg), planner.NewMatcher(reg)
}

func TestAuthorizeBlocksUnconfirmedDestructive(t *testing.T) {
	gate, m := newGate(t)
	plan, err := m.Match("Call the owner of property 5", planner.Context{})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	_, err = gate.Authorize(plan, false)
	var blocked *DestructiveActionBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected DestructiveActionBlockedError, got %v", err)
	}
	if got := fmt.Sprint(blocked.Steps); got != "[plan step 2 (make_phone_call)]" {
		t.Fatalf("unexpected blocked steps %s", got)
	}
	if _, err := gate.Authorize(plan, true); err != nil {
		t.Fatalf("confirmed plan rejected: %v", err)
	}
}

func TestAuthorizeAllowsNonDestructive(t *testing.T) {
	gate, m := newGate(t)
	for _, goal := range []string{"Set up property 5 as a new lead", "Enrich all Miami properties"} {
		plan, err := m.Match(goal, planner.Context{})
		if err != nil {
			t.Fatalf("Match(%q): %v", goal, err)
		}
		if _, err := gate.Authorize(plan, false); err != nil {
			t.Fatalf("Authorize(%q): %v", goal, err)
		}
	}
}

func TestAuthorizeScansTemplates(t *testing.T) {
	gate, _ := newGate(t)
	plan := &planner.Plan{FanOut: &planner.FanOut{
		Resolver: planner.PlanStep{ActionID: capability.ActionResolvePropertiesByFilter},
		Template: []planner.PlanStep{
			{Index: 0, ActionID: capability.ActionEnrichProperty},
			{Index: 1, ActionID: capability.ActionDeleteProperty},
		},
	}}
	_, err := gate.Authorize(plan, false)
	var blocked *DestructiveActionBlockedError
	if !errors.As(err, &blocked) || len(blocked.Steps) != 1 || blocked.Steps[0].Scope != "template" {
		t.Fatalf("expected template step to be blocked, got %v", err)
	}
}

func TestAuthorizeUnknownAction(t *testing.T) {
	gate, _ := newGate(t)
	plan := &planner.Plan{Steps: []planner.PlanStep{{ActionID: "launch_rocket"}}}
	if _, err := gate.Authorize(plan, true); !errors.Is(err, capability.ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
}
