package checkpoint

import (
	"context"

	"github.com/mohammad-safakhou/voiceplanner/internal/store"
)

// Checkpoint journal statuses.
const (
	StatusCaptured      = "captured"
	StatusRestored      = "restored"
	StatusRestoreFailed = "restore_failed"
)

// Journal persists checkpoint lifecycle so an interrupted run can be audited.
type Journal interface {
	Record(ctx context.Context, cp Checkpoint) error
	MarkStatus(ctx context.Context, checkpointID, status string) error
	Discard(ctx context.Context, runID string) error
}

// NoopJournal records nothing.
type NoopJournal struct{}

func (NoopJournal) Record(ctx context.Context, cp Checkpoint) error { return nil }
func (NoopJournal) MarkStatus(ctx context.Context, checkpointID, status string) error {
	return nil
}
func (NoopJournal) Discard(ctx context.Context, runID string) error { return nil }

type journalStore interface {
	RecordCheckpoint(ctx context.Context, cp store.PlanCheckpoint) error
	MarkCheckpointStatus(ctx context.Context, checkpointID, status string) error
	DiscardCheckpoints(ctx context.Context, runID string) error
}

// StoreJournal persists checkpoints using the shared store.
type StoreJournal struct {
	store journalStore
}

// NewStoreJournal constructs a Journal backed by store.Store.
func NewStoreJournal(st journalStore) *StoreJournal {
	return &StoreJournal{store: st}
}

func (j *StoreJournal) Record(ctx context.Context, cp Checkpoint) error {
	if j.store == nil {
		return nil
	}
	return j.store.RecordCheckpoint(ctx, store.PlanCheckpoint{
		ID:        cp.ID,
		RunID:     cp.RunID,
		Scope:     cp.Scope,
		StepIndex: cp.StepIndex,
		ActionID:  cp.ActionID,
		Entities:  cp.Entities,
		Snapshots: cp.Snapshots,
		Status:    StatusCaptured,
		CreatedAt: cp.CreatedAt,
	})
}

func (j *StoreJournal) MarkStatus(ctx context.Context, checkpointID, status string) error {
	if j.store == nil {
		return nil
	}
	return j.store.MarkCheckpointStatus(ctx, checkpointID, status)
}

func (j *StoreJournal) Discard(ctx context.Context, runID string) error {
	if j.store == nil {
		return nil
	}
	return j.store.DiscardCheckpoints(ctx, runID)
}

var (
	_ Journal = NoopJournal{}
	_ Journal = (*StoreJournal)(nil)
)
