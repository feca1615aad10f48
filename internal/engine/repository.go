package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/voiceplanner/internal/store"
)

// TraceRepository persists terminal traces for audit and replay.
type TraceRepository interface {
	SaveTrace(ctx context.Context, rec store.TraceRecord) error
	GetTrace(ctx context.Context, runID string) (store.TraceRecord, bool, error)
	ListTracesBySession(ctx context.Context, sessionID string, limit int) ([]store.TraceRecord, error)
}

var (
	_ TraceRepository = (*store.Store)(nil)
	_ TraceRepository = (*MemoryRepository)(nil)
)

// MemoryRepository keeps traces in process. Used when no database is configured.
type MemoryRepository struct {
	mu     sync.RWMutex
	traces map[string]store.TraceRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{traces: make(map[string]store.TraceRecord)}
}

func (r *MemoryRepository) SaveTrace(ctx context.Context, rec store.TraceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.traces[rec.RunID]; ok {
		if cur.Checksum == rec.Checksum {
			return nil
		}
		return store.ErrTraceExists
	}
	r.traces[rec.RunID] = rec
	return nil
}

func (r *MemoryRepository) GetTrace(ctx context.Context, runID string) (store.TraceRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.traces[runID]
	return rec, ok, nil
}

func (r *MemoryRepository) ListTracesBySession(ctx context.Context, sessionID string, limit int) ([]store.TraceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	var out []store.TraceRecord
	for _, rec := range r.traces {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
