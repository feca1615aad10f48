package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability/capabilitytest"
	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/internal/safety"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

func newTestEngine(t *testing.T, collab capability.Collaborator, opts ...Option) *Engine {
	t.Helper()
	reg, err := capability.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	ex := executor.New(reg, collab, executor.WithBackoff(time.Millisecond, 2*time.Millisecond), executor.WithLogger(quiet))
	return New(reg, ex, append([]Option{WithLogger(quiet)}, opts...)...)
}

func TestSubmitBlocksUnconfirmedDestructivePlan(t *testing.T) {
	fake := capabilitytest.New()
	eng := newTestEngine(t, fake)

	res, err := eng.Submit(context.Background(), "s1", planner.Goal{Text: "Delete property 7"})
	var blocked *safety.DestructiveActionBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected DestructiveActionBlockedError, got %v", err)
	}
	if len(fake.Calls()) != 0 {
		t.Fatalf("no capability may be invoked, got %v", fake.Actions())
	}
	if res.Trace == nil || res.Trace.Outcome != executor.OutcomeAborted {
		t.Fatalf("expected ABORTED trace, got %+v", res.Trace)
	}
	for _, s := range res.Trace.Steps {
		if s.Status != planner.StepSkipped || s.Attempts != 0 {
			t.Fatalf("expected skipped step with zero attempts, got %+v", s)
		}
	}
	if !strings.Contains(res.Report.VoiceSummary, "Nothing was changed") {
		t.Fatalf("unexpected voice summary: %s", res.Report.VoiceSummary)
	}
	rec, err := eng.Run(context.Background(), res.RunID)
	if err != nil || !rec.Verified {
		t.Fatalf("blocked run should be recorded and verifiable: %+v %v", rec, err)
	}
}

func TestSubmitConfirmedDestructivePlanRuns(t *testing.T) {
	fake := capabilitytest.New()
	eng := newTestEngine(t, fake)

	res, err := eng.Submit(context.Background(), "s1", planner.Goal{Text: "Delete property 7", ConfirmDestructive: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Outcome() != executor.OutcomeCompleted {
		t.Fatalf("expected COMPLETED, got %s", res.Outcome())
	}
	if fake.CallCount(capability.ActionDeleteProperty) != 1 {
		t.Fatalf("expected delete_property to run once, got %v", fake.Actions())
	}
}

func TestSubmitUsesSessionFocus(t *testing.T) {
	fake := capabilitytest.New()
	eng := newTestEngine(t, fake)
	ctx := context.Background()

	first, err := eng.Submit(ctx, "", planner.Goal{Text: "Set up property 5 as a new lead"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.SessionID == "" {
		t.Fatalf("expected a generated session id")
	}
	second, err := eng.Submit(ctx, first.SessionID, planner.Goal{Text: "score it"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := second.Trace.Plan.Steps[0].Params["identifier"]; got != "5" {
		t.Fatalf("expected focus property 5 to be used, got %v", got)
	}

	entities, err := eng.Memory(first.SessionID)
	if err != nil {
		t.Fatalf("Memory: %v", err)
	}
	found := false
	for _, e := range entities {
		if e.Ref() == (models.EntityRef{Type: models.EntityProperty, ID: "5"}) {
			found = true
		}
	}
	if !found {
		t.Fatalf("property 5 missing from session memory: %+v", entities)
	}

	runs, err := eng.Runs(ctx, first.SessionID, 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 recorded runs, got %d", len(runs))
	}

	if !eng.EndSession(first.SessionID) {
		t.Fatalf("expected session to end")
	}
	if _, err := eng.Memory(first.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubmitNoMatch(t *testing.T) {
	eng := newTestEngine(t, capabilitytest.New())
	res, err := eng.Submit(context.Background(), "s1", planner.Goal{Text: "make me a sandwich"})
	var nm *planner.NoMatchError
	if !errors.As(err, &nm) {
		t.Fatalf("expected NoMatchError, got %v", err)
	}
	if res.Trace != nil {
		t.Fatalf("no trace expected without a plan")
	}
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	fake := capabilitytest.New()
	eng := newTestEngine(t, fake)

	p, err := eng.Preview(context.Background(), "s1", planner.Goal{Text: "call the owner of property 9"})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !p.Blocked || len(p.Destructive) != 1 || p.Destructive[0].ActionID != capability.ActionMakePhoneCall {
		t.Fatalf("expected blocked preview naming make_phone_call, got %+v", p)
	}
	if len(fake.Calls()) != 0 {
		t.Fatalf("preview invoked capabilities: %v", fake.Actions())
	}
	if _, err := eng.Memory("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("preview must not create sessions")
	}
	if _, err := planner.EncodeDocument(p.Document); err != nil {
		t.Fatalf("preview document should match schema: %v", err)
	}
}

type blockingCollaborator struct {
	*capabilitytest.Fake
	started chan struct{}
	release chan struct{}
}

func (b *blockingCollaborator) Invoke(ctx context.Context, actionID string, params map[string]interface{}) (capability.Result, error) {
	if actionID == capability.ActionEnrichProperty {
		close(b.started)
		<-b.release
	}
	return b.Fake.Invoke(ctx, actionID, params)
}

func TestAbortStopsRunAtStepBoundary(t *testing.T) {
	collab := &blockingCollaborator{Fake: capabilitytest.New(), started: make(chan struct{}), release: make(chan struct{})}
	eng := newTestEngine(t, collab)

	done := make(chan Result, 1)
	go func() {
		res, _ := eng.SubmitRun(context.Background(), "run-abort", "s1", planner.Goal{Text: "Set up property 5 as a new lead"})
		done <- res
	}()

	<-collab.started
	if !eng.Abort("run-abort") {
		t.Fatalf("expected in-flight run to be abortable")
	}
	close(collab.release)

	select {
	case res := <-done:
		if res.Outcome() != executor.OutcomeAborted {
			t.Fatalf("expected ABORTED, got %s", res.Outcome())
		}
		if collab.CallCount(capability.ActionSkipTraceProperty) != 0 {
			t.Fatalf("no step may start after abort")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish after abort")
	}
	if eng.Abort("run-abort") {
		t.Fatalf("finished run should not be abortable")
	}
	if len(eng.Running()) != 0 {
		t.Fatalf("expected no running runs, got %v", eng.Running())
	}
}

func TestRunDetectsTamperedTrace(t *testing.T) {
	repo := NewMemoryRepository()
	eng := newTestEngine(t, capabilitytest.New(), WithRepository(repo), WithManifestSecret("secret"))
	ctx := context.Background()

	res, err := eng.Submit(ctx, "s1", planner.Goal{Text: "enrich property 3"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Manifest.Signature == "" {
		t.Fatalf("expected signed manifest")
	}
	rec, err := eng.Run(ctx, res.RunID)
	if err != nil || !rec.Verified {
		t.Fatalf("expected verified run, got %+v %v", rec, err)
	}

	stored := repo.traces[res.RunID]
	stored.Trace = []byte(strings.Replace(string(stored.Trace), `"COMPLETED"`, `"FAILED"`, 1))
	repo.traces[res.RunID] = stored
	rec, err = eng.Run(ctx, res.RunID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Verified || rec.VerifyErr == "" {
		t.Fatalf("expected tampering to be detected")
	}

	if _, err := eng.Run(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
