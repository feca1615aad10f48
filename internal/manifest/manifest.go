// Package manifest signs execution traces so stored audit records can be checked for tampering.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

// TraceManifestVersion identifies the current schema version of trace manifests.
const TraceManifestVersion = "v1"

// TraceManifest captures the immutable payload that is signed for a run.
type TraceManifest struct {
	Version        string                `json:"version"`
	RunID          string                `json:"run_id"`
	SessionID      string                `json:"session_id,omitempty"`
	Goal           string                `json:"goal"`
	Rule           string                `json:"rule,omitempty"`
	CatalogVersion string                `json:"catalog_version,omitempty"`
	Outcome        executor.PlanOutcome  `json:"outcome"`
	Plan           *planner.PlanDocument `json:"plan,omitempty"`
	Steps          []ManifestStep        `json:"steps"`
	SubPlans       []ManifestSubPlan     `json:"sub_plans,omitempty"`
	Inconsistent   []models.EntityRef    `json:"inconsistent_entities,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
}

// ManifestStep records execution metadata for each step.
type ManifestStep struct {
	SubPlan   string             `json:"sub_plan"`
	StepIndex int                `json:"step_index"`
	ActionID  string             `json:"action_id"`
	Status    planner.StepStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Memoized  bool               `json:"memoized,omitempty"`
}

// ManifestSubPlan records the outcome of one scope.
type ManifestSubPlan struct {
	Scope   string               `json:"scope"`
	Outcome executor.PlanOutcome `json:"outcome"`
}

// SignedTraceManifest captures the payload along with checksum and signature metadata.
type SignedTraceManifest struct {
	Manifest  TraceManifest `json:"manifest"`
	Checksum  string        `json:"checksum"`
	Signature string        `json:"signature,omitempty"`
	Algorithm string        `json:"algorithm"`
	SignedAt  time.Time     `json:"signed_at"`
}

// BuildTraceManifest constructs a manifest payload from a terminal trace.
func BuildTraceManifest(tr *executor.Trace) (TraceManifest, error) {
	if tr == nil || tr.RunID == "" {
		return TraceManifest{}, fmt.Errorf("trace missing run id")
	}
	if tr.Outcome == "" {
		return TraceManifest{}, fmt.Errorf("trace %s is not terminal", tr.RunID)
	}
	payload := TraceManifest{
		Version:        TraceManifestVersion,
		RunID:          tr.RunID,
		SessionID:      tr.SessionID,
		Goal:           tr.Goal,
		Rule:           tr.Rule,
		CatalogVersion: tr.CatalogVersion,
		Outcome:        tr.Outcome,
		Inconsistent:   tr.Inconsistent,
		StartedAt:      tr.StartedAt.UTC(),
		FinishedAt:     tr.FinishedAt.UTC(),
		Steps:          make([]ManifestStep, 0, len(tr.Steps)),
	}
	if tr.Plan != nil {
		doc := planner.Document(tr.Plan, nil)
		payload.Plan = &doc
	}
	for _, s := range tr.Steps {
		payload.Steps = append(payload.Steps, ManifestStep{
			SubPlan:   s.SubPlan,
			StepIndex: s.StepIndex,
			ActionID:  s.ActionID,
			Status:    s.Status,
			Attempts:  s.Attempts,
			ErrorKind: string(s.ErrorKind),
			Memoized:  s.Memoized,
		})
	}
	for _, sp := range tr.SubPlans {
		payload.SubPlans = append(payload.SubPlans, ManifestSubPlan{Scope: sp.Scope, Outcome: sp.Outcome})
	}
	return payload, nil
}

// SignTraceManifest checksums the payload and, when secret is set, signs the checksum.
func SignTraceManifest(payload TraceManifest, secret string, signedAt time.Time) (SignedTraceManifest, error) {
	if signedAt.IsZero() {
		signedAt = time.Now().UTC()
	}
	checksum, err := checksumOf(payload)
	if err != nil {
		return SignedTraceManifest{}, err
	}
	signed := SignedTraceManifest{
		Manifest:  payload,
		Checksum:  checksum,
		Algorithm: "sha256",
		SignedAt:  signedAt.UTC(),
	}
	if secret != "" {
		signed.Signature = sign(checksum, secret)
		signed.Algorithm = "hmac-sha256"
	}
	return signed, nil
}

// VerifyTraceManifest recomputes checksum/signature and ensures they match the stored values.
func VerifyTraceManifest(signed SignedTraceManifest, secret string) error {
	expectedChecksum, err := checksumOf(signed.Manifest)
	if err != nil {
		return err
	}
	if signed.Checksum != expectedChecksum {
		return fmt.Errorf("checksum mismatch")
	}
	if secret == "" {
		return nil
	}
	if !hmac.Equal([]byte(sign(signed.Checksum, secret)), []byte(signed.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// VerifyTrace rebuilds the manifest of a stored trace and checks it against the stored digest.
func VerifyTrace(tr *executor.Trace, checksum, signature, secret string) error {
	payload, err := BuildTraceManifest(tr)
	if err != nil {
		return err
	}
	return VerifyTraceManifest(SignedTraceManifest{Manifest: payload, Checksum: checksum, Signature: signature}, secret)
}

func checksumOf(payload TraceManifest) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func sign(checksum, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil))
}
