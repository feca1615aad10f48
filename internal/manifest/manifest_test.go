package manifest

import (
	"testing"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

func sampleTrace() *executor.Trace {
	start := time.Unix(10, 0)
	return &executor.Trace{
		RunID:          "run-1",
		SessionID:      "sess-1",
		Goal:           "enrich property 8",
		Rule:           "enrich",
		CatalogVersion: "2024.1",
		Outcome:        executor.OutcomePartiallyCompleted,
		Steps: []executor.StepResult{
			{SubPlan: "plan", StepIndex: 0, ActionID: "resolve_property", Status: planner.StepSucceeded, Attempts: 1},
			{SubPlan: "plan", StepIndex: 1, ActionID: "enrich_property", Status: planner.StepFailed, Attempts: 3, ErrorKind: "transient"},
		},
		SubPlans:     []executor.SubPlanOutcome{{Scope: "plan", Outcome: executor.OutcomePartiallyCompleted}},
		Inconsistent: []models.EntityRef{{Type: models.EntityProperty, ID: "8"}},
		Plan: &planner.Plan{Goal: "enrich property 8", Rule: "enrich", Steps: []planner.PlanStep{
			{Index: 0, ActionID: "resolve_property", Params: map[string]interface{}{"identifier": "8"}, Status: planner.StepSucceeded, Attempts: 1},
			{Index: 1, ActionID: "enrich_property", Params: map[string]interface{}{"propertyId": "8"}, Status: planner.StepFailed, Attempts: 3},
		}},
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}
}

func TestBuildTraceManifest(t *testing.T) {
	payload, err := BuildTraceManifest(sampleTrace())
	if err != nil {
		t.Fatalf("BuildTraceManifest: %v", err)
	}
	if payload.Version != TraceManifestVersion {
		t.Fatalf("unexpected version: %s", payload.Version)
	}
	if len(payload.Steps) != 2 || payload.Steps[1].ErrorKind != "transient" {
		t.Fatalf("steps not propagated: %+v", payload.Steps)
	}
	if payload.Plan == nil || len(payload.Plan.Steps) != 2 {
		t.Fatalf("expected plan document to be included")
	}
	if len(payload.Inconsistent) != 1 {
		t.Fatalf("inconsistent entities missing")
	}
	if _, err := BuildTraceManifest(&executor.Trace{RunID: "run-2"}); err == nil {
		t.Fatalf("expected error for non-terminal trace")
	}
}

func TestSignAndVerifyTraceManifest(t *testing.T) {
	payload, err := BuildTraceManifest(sampleTrace())
	if err != nil {
		t.Fatalf("BuildTraceManifest: %v", err)
	}
	signed, err := SignTraceManifest(payload, "secret", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("SignTraceManifest: %v", err)
	}
	if signed.Checksum == "" || signed.Signature == "" || signed.Algorithm != "hmac-sha256" {
		t.Fatalf("expected checksum and signature to be populated: %+v", signed)
	}
	if err := VerifyTraceManifest(signed, "secret"); err != nil {
		t.Fatalf("VerifyTraceManifest unexpected error: %v", err)
	}
	if err := VerifyTraceManifest(signed, "wrong"); err == nil {
		t.Fatalf("expected signature mismatch")
	}
	if err := VerifyTrace(sampleTrace(), signed.Checksum, signed.Signature, "secret"); err != nil {
		t.Fatalf("VerifyTrace unexpected error: %v", err)
	}

	tampered := sampleTrace()
	tampered.Outcome = executor.OutcomeCompleted
	if err := VerifyTrace(tampered, signed.Checksum, signed.Signature, "secret"); err == nil {
		t.Fatalf("expected checksum mismatch for tampered trace")
	}
}

func TestUnsignedManifest(t *testing.T) {
	payload, err := BuildTraceManifest(sampleTrace())
	if err != nil {
		t.Fatalf("BuildTraceManifest: %v", err)
	}
	signed, err := SignTraceManifest(payload, "", time.Time{})
	if err != nil {
		t.Fatalf("SignTraceManifest: %v", err)
	}
	if signed.Signature != "" || signed.Algorithm != "sha256" || signed.SignedAt.IsZero() {
		t.Fatalf("unexpected unsigned manifest: %+v", signed)
	}
	if err := VerifyTraceManifest(signed, ""); err != nil {
		t.Fatalf("VerifyTraceManifest: %v", err)
	}
}
