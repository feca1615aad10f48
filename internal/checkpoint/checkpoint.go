// Package checkpoint captures entity snapshots before mutating steps and restores them on failure.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

// Checkpoint is the pre-state of every entity one mutating step touches.
type Checkpoint struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id"`
	Scope     string             `json:"scope"`
	StepIndex int                `json:"step_index"`
	ActionID  string             `json:"action_id"`
	Entities  []models.EntityRef `json:"entities"`
	Snapshots map[string][]byte  `json:"snapshots"`
	CreatedAt time.Time          `json:"created_at"`
}

// RollbackFailure reports a restore that did not succeed and the entities left inconsistent.
type RollbackFailure struct {
	StepIndex    int
	ActionID     string
	Entity       models.EntityRef
	Inconsistent []models.EntityRef
	Err          error
}

func (e *RollbackFailure) Error() string {
	names := make([]string, 0, len(e.Inconsistent))
	for _, r := range e.Inconsistent {
		names = append(names, r.String())
	}
	return fmt.Sprintf("rollback of step %d (%s) failed restoring %s: %v; inconsistent entities: %s",
		e.StepIndex, e.ActionID, e.Entity, e.Err, strings.Join(names, ", "))
}

func (e *RollbackFailure) Unwrap() error { return e.Err }

// RollbackResult lists the checkpoints restored, most recent first, and the failure that stopped rollback.
type RollbackResult struct {
	Restored []Checkpoint
	Failure  *RollbackFailure
}

// Err returns the failure as an error, or nil when rollback was clean.
func (r RollbackResult) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Manager owns the checkpoints of one sub-plan. It is not shared between sub-plans.
type Manager struct {
	mu          sync.Mutex
	runID       string
	scope       string
	snapshotter capability.Snapshotter
	journal     Journal
	logger      *log.Logger
	checkpoints []Checkpoint
	restored    map[string]bool
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithJournal records captures and restores durably.
func WithJournal(j Journal) Option {
	return func(m *Manager) {
		if j != nil {
			m.journal = j
		}
	}
}

// WithLogger overrides the manager logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(runID, scope string, snap capability.Snapshotter, opts ...Option) *Manager {
	m := &Manager{
		runID:       runID,
		scope:       scope,
		snapshotter: snap,
		journal:     NoopJournal{},
		logger:      log.New(log.Writer(), "[CHECKPOINT] ", log.LstdFlags),
		restored:    make(map[string]bool),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capture snapshots every entity the step will touch. It must run immediately before the invocation.
func (m *Manager) Capture(ctx context.Context, stepIndex int, actionID string, entities []models.EntityRef) (Checkpoint, error) {
	cp := Checkpoint{
		ID:        uuid.NewString(),
		RunID:     m.runID,
		Scope:     m.scope,
		StepIndex: stepIndex,
		ActionID:  actionID,
		Entities:  models.DedupRefs(entities),
		Snapshots: make(map[string][]byte, len(entities)),
		CreatedAt: m.now().UTC(),
	}
	for _, ref := range cp.Entities {
		snap, err := m.snapshotter.Snapshot(ctx, ref)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("snapshot %s before %s: %w", ref, actionID, err)
		}
		cp.Snapshots[ref.Key()] = snap
	}
	m.mu.Lock()
	m.checkpoints = append(m.checkpoints, cp)
	m.mu.Unlock()
	if err := m.journal.Record(ctx, cp); err != nil {
		m.logger.Printf("journal record failed run=%s scope=%s step=%d: %v", m.runID, m.scope, stepIndex, err)
	}
	return cp, nil
}

// Restore writes back every snapshot of cp. The first failing entity stops the restore.
func (m *Manager) Restore(ctx context.Context, cp Checkpoint) error {
	for _, ref := range cp.Entities {
		if err := m.snapshotter.Restore(ctx, ref, cp.Snapshots[ref.Key()]); err != nil {
			return &restoreError{entity: ref, err: err}
		}
	}
	return nil
}

type restoreError struct {
	entity models.EntityRef
	err    error
}

func (e *restoreError) Error() string { return fmt.Sprintf("restore %s: %v", e.entity, e.err) }
func (e *restoreError) Unwrap() error { return e.err }

// Rollback restores captured checkpoints in reverse capture order and stops at the first failure.
// Checkpoints restored by an earlier call are not restored again.
func (m *Manager) Rollback(ctx context.Context) RollbackResult {
	m.mu.Lock()
	pending := make([]Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		if !m.restored[cp.ID] {
			pending = append(pending, cp)
		}
	}
	m.mu.Unlock()

	var res RollbackResult
	for i := len(pending) - 1; i >= 0; i-- {
		cp := pending[i]
		if err := m.Restore(ctx, cp); err != nil {
			var failed models.EntityRef
			var re *restoreError
			if errors.As(err, &re) {
				failed = re.entity
				err = re.err
			}
			var inconsistent []models.EntityRef
			for j := i; j >= 0; j-- {
				inconsistent = append(inconsistent, pending[j].Entities...)
			}
			inconsistent = models.DedupRefs(inconsistent)
			models.SortRefs(inconsistent)
			res.Failure = &RollbackFailure{
				StepIndex:    cp.StepIndex,
				ActionID:     cp.ActionID,
				Entity:       failed,
				Inconsistent: inconsistent,
				Err:          err,
			}
			if jerr := m.journal.MarkStatus(ctx, cp.ID, StatusRestoreFailed); jerr != nil {
				m.logger.Printf("journal mark failed run=%s checkpoint=%s: %v", m.runID, cp.ID, jerr)
			}
			m.logger.Printf("rollback stopped run=%s scope=%s step=%d: %v", m.runID, m.scope, cp.StepIndex, err)
			return res
		}
		m.mu.Lock()
		m.restored[cp.ID] = true
		m.mu.Unlock()
		if jerr := m.journal.MarkStatus(ctx, cp.ID, StatusRestored); jerr != nil {
			m.logger.Printf("journal mark failed run=%s checkpoint=%s: %v", m.runID, cp.ID, jerr)
		}
		res.Restored = append(res.Restored, cp)
	}
	return res
}

// Checkpoints returns the captured checkpoints in capture order.
func (m *Manager) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Checkpoint(nil), m.checkpoints...)
}

// Discard drops all checkpoints once the sub-plan reached a terminal state.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = nil
	m.restored = make(map[string]bool)
}
