package planner

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/memory"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	reg, err := capability.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	return NewMatcher(reg)
}

func TestRuleOrder(t *testing.T) {
	want := "delete_property call_owner send_for_signature close_deal new_lead_setup bulk_enrich bulk_skip_trace " +
		"bulk_compliance ai_contracts compliance_check readiness_check enrich skip_trace recap status_update " +
		"add_note follow_up score next_actions notify"
	if got := strings.Join(RuleNames(), " "); got != want {
		t.Fatalf("rule order changed:\n got %s\nwant %s", got, want)
	}
}

func TestMatchScenarios(t *testing.T) {
	m := newTestMatcher(t)
	cases := []struct {
		goal    string
		rule    string
		actions string
	}{
		{"Set up property 5 as a new lead", "new_lead_setup", "[resolve_property enrich_property skip_trace_property attach_required_contracts generate_recap summarize_next_actions]"},
		{"Enrich all Miami properties.", "bulk_enrich", "[resolve_properties_by_filter enrich_property]"},
		{"Close the deal on property 3", "close_deal", "[resolve_property check_contract_readiness attach_required_contracts generate_recap summarize_next_actions]"},
		{"Call the owner of property 5", "call_owner", "[resolve_property get_property_owner make_phone_call add_note]"},
		{"Delete property 9!", "delete_property", "[resolve_property delete_property]"},
		{"send property 4 for signature", "send_for_signature", "[resolve_property check_contract_readiness attach_required_contracts send_contract_for_signature]"},
		{"skip trace every property in tampa", "bulk_skip_trace", "[resolve_properties_by_filter skip_trace_property]"},
		{"run compliance checks on all pending properties", "bulk_compliance", "[resolve_properties_by_filter check_compliance]"},
		{"suggest contracts for property 8", "ai_contracts", "[resolve_property ai_suggest_contracts apply_ai_suggestions]"},
		{"is property 8 compliant?", "compliance_check", "[resolve_property check_compliance]"},
		{"is property 8 ready to close", "readiness_check", "[resolve_property check_contract_readiness]"},
		{"enrich property 8", "enrich", "[resolve_property enrich_property]"},
		{"skip-trace property 8", "skip_trace", "[resolve_property skip_trace_property]"},
		{"give me a recap of property 8", "recap", "[resolve_property generate_recap]"},
		{"Mark property 5 as under contract", "status_update", "[resolve_property update_property_status]"},
		{"Add a note to property 5 saying Owner prefers email", "add_note", "[resolve_property add_note]"},
		{"schedule a follow up for property 7 next week", "follow_up", "[resolve_property schedule_follow_up]"},
		{"score property 7", "score", "[resolve_property score_property]"},
		{"what are the next steps for property 7", "next_actions", "[resolve_property get_property_details summarize_next_actions]"},
		{"Notify the sales team that the Miami batch is done", "notify", "[send_notification]"},
	}
	for _, tc := range cases {
		plan, err := m.Match(tc.goal, Context{})
		if err != nil {
			t.Fatalf("Match(%q): %v", tc.goal, err)
		}
		if plan.Rule != tc.rule {
			t.Fatalf("Match(%q) rule = %s, want %s", tc.goal, plan.Rule, tc.rule)
		}
		if got := fmt.Sprint(plan.ActionIDs()); got != tc.actions {
			t.Fatalf("Match(%q) actions = %s, want %s", tc.goal, got, tc.actions)
		}
	}
}

func TestMatchBindsParameters(t *testing.T) {
	m := newTestMatcher(t)

	plan, err := m.Match("Set up property 5 as a new lead", Context{})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if plan.Steps[0].Params["identifier"] != "5" || plan.Steps[1].Params["propertyId"] != "5" {
		t.Fatalf("property id not bound: %+v", plan.Steps[:2])
	}
	if plan.Steps[5].Refs["trace"].Kind != RefTrace {
		t.Fatalf("summarize must receive the trace: %+v", plan.Steps[5])
	}
	if plan.Subject != (models.EntityRef{Type: models.EntityProperty, ID: "5"}) {
		t.Fatalf("unexpected subject %v", plan.Subject)
	}

	plan, _ = m.Match("Close the deal on property 3", Context{})
	when := plan.Steps[2].When
	if when == nil || when.Step != 1 || when.Field != "missingContracts" || when.Op != WhenNonEmpty {
		t.Fatalf("attach step must be conditional on readiness: %+v", when)
	}

	plan, _ = m.Match("Call the owner of property 5", Context{})
	if ref := plan.Steps[2].Refs["contactId"]; ref != OutputRef(1, "contactId") {
		t.Fatalf("call must take the owner contact: %+v", ref)
	}

	plan, _ = m.Match("Mark property 5 as under contract", Context{})
	if plan.Steps[1].Params["status"] != "under_contract" {
		t.Fatalf("unexpected status %v", plan.Steps[1].Params["status"])
	}

	plan, _ = m.Match("Add a note to property 5 saying Owner prefers email", Context{})
	if plan.Steps[1].Params["text"] != "Owner prefers email" {
		t.Fatalf("note text must keep its casing: %v", plan.Steps[1].Params["text"])
	}

	plan, _ = m.Match("Enrich all Miami properties", Context{Hints: ContextHints{Filter: map[string]interface{}{"status": "new"}}})
	if got := fmt.Sprint(plan.FanOut.Filter); got != "map[city:miami status:new]" {
		t.Fatalf("unexpected filter %s", got)
	}

	plan, _ = m.Match("schedule a follow up for property 7 next week", Context{})
	if plan.Steps[1].Params["when"] != "next week" {
		t.Fatalf("unexpected follow-up time %v", plan.Steps[1].Params["when"])
	}

	plan, _ = m.Match("Notify the sales team that the Miami batch is done", Context{})
	if plan.Steps[0].Params["target"] != "sales team" || plan.Steps[0].Params["message"] != "the Miami batch is done" {
		t.Fatalf("unexpected notification params %v", plan.Steps[0].Params)
	}
}

func TestMatchDeterministic(t *testing.T) {
	m := newTestMatcher(t)
	mem := memory.NewStore()
	mem.Put(memory.Entity{Type: models.EntityProperty, ID: "42"})
	ctx := Context{Memory: mem}
	for _, goal := range []string{"Set up property 5 as a new lead", "Enrich all Miami properties", "recap this property"} {
		a, err := m.Match(goal, ctx)
		if err != nil {
			t.Fatalf("Match(%q): %v", goal, err)
		}
		b, err := m.Match(goal, ctx)
		if err != nil {
			t.Fatalf("Match(%q): %v", goal, err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("Match(%q) not deterministic", goal)
		}
	}
}

func TestSubjectResolutionOrder(t *testing.T) {
	m := newTestMatcher(t)
	mem := memory.NewStore()
	mem.Put(memory.Entity{Type: models.EntityProperty, ID: "42"})

	plan, _ := m.Match("enrich property 7", Context{Hints: ContextHints{PropertyID: "9"}, Memory: mem})
	if plan.Subject.ID != "7" {
		t.Fatalf("text id must win, got %s", plan.Subject.ID)
	}
	plan, _ = m.Match("enrich this property", Context{Hints: ContextHints{PropertyID: "9"}, Memory: mem})
	if plan.Subject.ID != "9" {
		t.Fatalf("hint must beat focus, got %s", plan.Subject.ID)
	}
	plan, _ = m.Match("enrich this property", Context{Memory: mem})
	if plan.Subject.ID != "42" {
		t.Fatalf("focus must be used, got %s", plan.Subject.ID)
	}

	plan, err := m.Match("Set up the property at 12 Ocean Drive as a new lead", Context{Memory: mem})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if plan.Steps[0].Params["identifier"] != "12 Ocean Drive" {
		t.Fatalf("address not bound: %v", plan.Steps[0].Params)
	}
	if ref := plan.Steps[1].Refs["propertyId"]; ref != OutputRef(0, "propertyId") {
		t.Fatalf("address plans must bind the resolved id: %+v", plan.Steps[1])
	}
	if !plan.Subject.IsZero() {
		t.Fatalf("subject must be unknown until resolution, got %v", plan.Subject)
	}
}

func TestMatchNoMatch(t *testing.T) {
	m := newTestMatcher(t)
	cases := []struct {
		goal string
		rule string
	}{
		{"make me a sandwich", ""},
		{"   ", ""},
		{"enrich this property", "enrich"},
		{"mark property 5 as banana", "status_update"},
	}
	for _, tc := range cases {
		_, err := m.Match(tc.goal, Context{})
		var nm *NoMatchError
		if !errors.As(err, &nm) {
			t.Fatalf("Match(%q): expected NoMatchError, got %v", tc.goal, err)
		}
		if nm.Rule != tc.rule {
			t.Fatalf("Match(%q): rule = %q, want %q", tc.goal, nm.Rule, tc.rule)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Enrich   ALL Miami properties?! "); got != "enrich all miami properties" {
		t.Fatalf("unexpected normalisation %q", got)
	}
}
