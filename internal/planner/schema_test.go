package planner

import (
	"fmt"
	"testing"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

func TestEncodeDocumentValidates(t *testing.T) {
	reg, err := capability.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	m := NewMatcher(reg)
	for _, goal := range []string{"Call the owner of property 5", "Enrich all Miami properties", "Close the deal on property 3"} {
		plan, err := m.Match(goal, Context{})
		if err != nil {
			t.Fatalf("Match(%q): %v", goal, err)
		}
		if plan.IsFanOut() {
			plan, err = Expand(plan, []models.EntityRef{{Type: models.EntityProperty, ID: "1"}})
			if err != nil {
				t.Fatalf("Expand: %v", err)
			}
		}
		doc := Document(plan, reg)
		if _, err := EncodeDocument(doc); err != nil {
			t.Fatalf("EncodeDocument(%q): %v", goal, err)
		}
	}

	plan, _ := m.Match("Call the owner of property 5", Context{})
	doc := Document(plan, reg)
	if got := fmt.Sprint(doc.DestructiveSteps); got != "[2:make_phone_call]" {
		t.Fatalf("unexpected destructive steps %s", got)
	}
	if doc.Steps[2].SideEffect != "DESTRUCTIVE" || doc.CatalogVersion != capability.CatalogVersion {
		t.Fatalf("document missing catalog details: %+v", doc.Steps[2])
	}
}

func TestValidatePlanDocumentFails(t *testing.T) {
	if err := ValidatePlanDocument([]byte(`{"version": "v1"}`)); err == nil {
		t.Fatalf("expected schema validation to fail")
	}
	if err := ValidatePlanDocument([]byte(`{"version": "v1", "goal": "g", "rule": "r", "steps": [{"index": 0, "action_id": "a", "status": "DONE"}]}`)); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
}
