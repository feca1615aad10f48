package streams

import (
	"encoding/json"
	"testing"
)

func TestGoalSchemasValidate(t *testing.T) {
	reg, err := NewDefaultRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	data, err := json.Marshal(GoalSubmitted{SessionID: "sess-1", Goal: "enrich property 5", Filter: map[string]interface{}{"city": "miami"}})
	if err != nil {
		t.Fatalf("marshal goal payload: %v", err)
	}
	if err := reg.Validate(EventGoalSubmitted, PayloadV1, data); err != nil {
		t.Fatalf("expected goal.submitted payload to validate: %v", err)
	}
	if err := reg.Validate(EventGoalSubmitted, PayloadV1, []byte(`{"session_id":"s","goal":"","confirm_destructive":false}`)); err == nil {
		t.Fatalf("expected empty goal to be rejected")
	}
	if err := reg.Validate(EventGoalSubmitted, PayloadV1, []byte(`{"session_id":"s","goal":"x","confirm_destructive":false,"extra":1}`)); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}

	data, err = json.Marshal(PlanCompleted{RunID: "run-1", SessionID: "sess-1", Outcome: "PARTIALLY_COMPLETED", VoiceSummary: "2 of 3 succeeded"})
	if err != nil {
		t.Fatalf("marshal result payload: %v", err)
	}
	if err := reg.Validate(EventPlanCompleted, PayloadV1, data); err != nil {
		t.Fatalf("expected plan.completed payload to validate: %v", err)
	}
	if err := reg.Validate(EventPlanCompleted, PayloadV1, []byte(`{"run_id":"r","session_id":"s","outcome":"DONE","voice_summary":""}`)); err == nil {
		t.Fatalf("expected unknown outcome to be rejected")
	}
	if err := reg.Validate("crawl.request", PayloadV1, data); err == nil {
		t.Fatalf("expected unregistered event type to be rejected")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventGoalSubmitted, PayloadV1, GoalSubmitted{SessionID: "s", Goal: "score property 1"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	var goal GoalSubmitted
	if err := decoded.Decode(&goal); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.EventID != env.EventID || goal.Goal != "score property 1" {
		t.Fatalf("unexpected envelope %+v payload %+v", decoded, goal)
	}
	if _, err := UnmarshalEnvelope([]byte(`{"event_type":"x"}`)); err == nil {
		t.Fatalf("expected missing event id to be rejected")
	}
}
