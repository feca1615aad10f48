package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability/capabilitytest"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

func prop(id string) models.EntityRef { return models.EntityRef{Type: models.EntityProperty, ID: id} }

type journalStub struct {
	mu       sync.Mutex
	recorded []string
	statuses map[string]string
	discards []string
}

func newJournalStub() *journalStub { return &journalStub{statuses: map[string]string{}} }

func (j *journalStub) Record(ctx context.Context, cp Checkpoint) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recorded = append(j.recorded, cp.ActionID)
	j.statuses[cp.ID] = StatusCaptured
	return nil
}

func (j *journalStub) MarkStatus(ctx context.Context, checkpointID, status string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses[checkpointID] = status
	return nil
}

func (j *journalStub) Discard(ctx context.Context, runID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.discards = append(j.discards, runID)
	return nil
}

func mutate(t *testing.T, f *capabilitytest.Fake, action, pid string) {
	t.Helper()
	if _, err := f.Invoke(context.Background(), action, map[string]interface{}{"propertyId": pid}); err != nil {
		t.Fatalf("invoke %s: %v", action, err)
	}
}

func TestRollbackRestoresInReverseOrder(t *testing.T) {
	ctx := context.Background()
	fake := capabilitytest.New()
	journal := newJournalStub()
	m := NewManager("run-1", "plan", fake, WithJournal(journal))

	if _, err := m.Capture(ctx, 1, capability.ActionEnrichProperty, []models.EntityRef{prop("5")}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	mutate(t, fake, capability.ActionEnrichProperty, "5")
	if _, err := m.Capture(ctx, 2, capability.ActionAddNote, []models.EntityRef{prop("7"), prop("5"), prop("7")}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	mutate(t, fake, capability.ActionAddNote, "7")
	mutate(t, fake, capability.ActionAddNote, "5")

	if got := fake.Version(prop("5")); got != 2 {
		t.Fatalf("expected property 5 at version 2 before rollback, got %d", got)
	}
	res := m.Rollback(ctx)
	if err := res.Err(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(res.Restored) != 2 || res.Restored[0].StepIndex != 2 || res.Restored[1].StepIndex != 1 {
		t.Fatalf("expected most recent checkpoint first, got %+v", res.Restored)
	}
	if got := fmt.Sprint(fake.Restored()); got != "[property 7 property 5 property 5]" {
		t.Fatalf("unexpected restore order: %s", got)
	}
	if fake.Version(prop("5")) != 0 || fake.Version(prop("7")) != 0 {
		t.Fatalf("entities not restored to their pre-state")
	}
	if got := fmt.Sprint(journal.recorded); got != "[enrich_property add_note]" {
		t.Fatalf("unexpected journal records: %s", got)
	}
	for id, status := range journal.statuses {
		if status != StatusRestored {
			t.Fatalf("checkpoint %s left in status %s", id, status)
		}
	}
}

func TestRollbackFailureNamesInconsistentEntities(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("crm unavailable")
	fake := capabilitytest.New().FailRestore(prop("2"), boom)
	m := NewManager("run-2", "plan", fake)

	for i, id := range []string{"1", "2", "3"} {
		if _, err := m.Capture(ctx, i+1, capability.ActionAddNote, []models.EntityRef{prop(id)}); err != nil {
			t.Fatalf("capture: %v", err)
		}
		mutate(t, fake, capability.ActionAddNote, id)
	}

	res := m.Rollback(ctx)
	if res.Failure == nil {
		t.Fatalf("expected rollback failure")
	}
	if len(res.Restored) != 1 || res.Restored[0].StepIndex != 3 {
		t.Fatalf("expected only step 3 restored, got %+v", res.Restored)
	}
	var rf *RollbackFailure
	if !errors.As(res.Err(), &rf) {
		t.Fatalf("expected *RollbackFailure, got %T", res.Err())
	}
	if !errors.Is(rf, boom) {
		t.Fatalf("failure should wrap the restore error")
	}
	if rf.StepIndex != 2 || rf.Entity != prop("2") {
		t.Fatalf("unexpected failing checkpoint: %+v", rf)
	}
	if got := fmt.Sprint(rf.Inconsistent); got != "[property 1 property 2]" {
		t.Fatalf("unexpected inconsistent entities: %s", got)
	}
	if fake.Version(prop("1")) != 1 {
		t.Fatalf("rollback must stop at the first failure")
	}

	// once the collaborator recovers, a second rollback resumes with the remaining checkpoints
	fake.FailRestore(prop("2"), nil)
	res = m.Rollback(ctx)
	if err := res.Err(); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if len(res.Restored) != 2 || res.Restored[0].StepIndex != 2 || res.Restored[1].StepIndex != 1 {
		t.Fatalf("unexpected second rollback: %+v", res.Restored)
	}
}

type failingSnapshotter struct{ capability.Snapshotter }

func (failingSnapshotter) Snapshot(ctx context.Context, ref models.EntityRef) ([]byte, error) {
	return nil, errors.New("snapshot timeout")
}

func TestCaptureSnapshotError(t *testing.T) {
	m := NewManager("run-3", "plan", failingSnapshotter{})
	if _, err := m.Capture(context.Background(), 0, capability.ActionAddNote, []models.EntityRef{prop("9")}); err == nil {
		t.Fatalf("expected capture error")
	}
	if len(m.Checkpoints()) != 0 {
		t.Fatalf("failed capture must not be kept")
	}
}

func TestCaptureWithoutEntities(t *testing.T) {
	fake := capabilitytest.New()
	m := NewManager("run-4", "plan", fake)
	cp, err := m.Capture(context.Background(), 0, capability.ActionSendNotification, nil)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(cp.Entities) != 0 || len(fake.Snapshots()) != 0 {
		t.Fatalf("expected an empty checkpoint")
	}
	if res := m.Rollback(context.Background()); res.Err() != nil || len(res.Restored) != 1 {
		t.Fatalf("empty checkpoint should restore trivially: %+v", res)
	}
	m.Discard()
	if len(m.Checkpoints()) != 0 {
		t.Fatalf("discard should drop checkpoints")
	}
}
