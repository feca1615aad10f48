package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/voiceplanner/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

// TraceRecord is a persisted terminal execution trace with its signed manifest digest.
type TraceRecord struct {
	RunID      string
	SessionID  string
	Goal       string
	Rule       string
	Outcome    string
	Trace      json.RawMessage
	Checksum   string
	Signature  string
	StartedAt  time.Time
	FinishedAt time.Time
	CreatedAt  time.Time
}

// PlanCheckpoint is the durable journal entry of one captured checkpoint.
type PlanCheckpoint struct {
	ID        string
	RunID     string
	Scope     string
	StepIndex int
	ActionID  string
	Entities  []models.EntityRef
	Snapshots map[string][]byte
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrTraceExists indicates a trace was already stored for the run with different contents.
var ErrTraceExists = errors.New("execution trace already exists")

var (
	metricsOnce    sync.Once
	traceCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	traceCounter, err = meter.Int64Counter("execution_traces_saved_total")
	if err != nil {
		metricsInitErr = err
	}
}

func New(ctx context.Context) (*Store, error) {
	return NewWithDSN(ctx, DSNFromEnv())
}

// DSNFromEnv returns DATABASE_URL or a DSN assembled from the POSTGRES_* variables.
func DSNFromEnv() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	host := getenvDefault("POSTGRES_HOST", "localhost")
	port := getenvDefault("POSTGRES_PORT", "5432")
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	db := os.Getenv("POSTGRES_DB")
	ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SaveTrace stores a terminal trace. Traces are immutable; saving different contents for the same
// run returns ErrTraceExists while an identical save is a no-op.
func (s *Store) SaveTrace(ctx context.Context, rec TraceRecord) error {
	if rec.RunID == "" || rec.SessionID == "" {
		return fmt.Errorf("run_id and session_id required")
	}
	if len(rec.Trace) == 0 || rec.Checksum == "" {
		return fmt.Errorf("trace payload and checksum required")
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO execution_traces (run_id, session_id, goal, rule, outcome, trace, checksum, signature, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT DO NOTHING
`, rec.RunID, rec.SessionID, rec.Goal, rec.Rule, rec.Outcome, []byte(rec.Trace), rec.Checksum, rec.Signature, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		metricsOnce.Do(initStoreMetrics)
		if metricsInitErr == nil && traceCounter != nil {
			traceCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", rec.Outcome)))
		}
		return nil
	}
	existing, ok, err := s.GetTrace(ctx, rec.RunID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("execution trace insert conflict but existing record missing")
	}
	if existing.Checksum == rec.Checksum {
		return nil
	}
	return ErrTraceExists
}

// GetTrace fetches a stored trace. The bool indicates whether a record was found.
func (s *Store) GetTrace(ctx context.Context, runID string) (TraceRecord, bool, error) {
	if runID == "" {
		return TraceRecord{}, false, fmt.Errorf("run_id required")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id, session_id, goal, rule, outcome, trace, checksum, signature, started_at, finished_at, created_at
FROM execution_traces
WHERE run_id=$1
`, runID)
	rec, err := scanTrace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TraceRecord{}, false, nil
		}
		return TraceRecord{}, false, err
	}
	return rec, true, nil
}

// ListTracesBySession returns the most recent traces of a session, newest first.
func (s *Store) ListTracesBySession(ctx context.Context, sessionID string, limit int) ([]TraceRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session_id required")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, session_id, goal, rule, outcome, trace, checksum, signature, started_at, finished_at, created_at
FROM execution_traces
WHERE session_id=$1
ORDER BY started_at DESC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TraceRecord
	for rows.Next() {
		rec, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTrace(row interface{ Scan(dest ...any) error }) (TraceRecord, error) {
	var (
		rec        TraceRecord
		traceBytes []byte
	)
	if err := row.Scan(&rec.RunID, &rec.SessionID, &rec.Goal, &rec.Rule, &rec.Outcome, &traceBytes, &rec.Checksum, &rec.Signature, &rec.StartedAt, &rec.FinishedAt, &rec.CreatedAt); err != nil {
		return TraceRecord{}, err
	}
	rec.Trace = append(json.RawMessage{}, traceBytes...)
	return rec, nil
}

// RecordCheckpoint journals a captured checkpoint.
func (s *Store) RecordCheckpoint(ctx context.Context, cp PlanCheckpoint) error {
	if cp.ID == "" || cp.RunID == "" {
		return fmt.Errorf("id and run_id are required")
	}
	entities, err := json.Marshal(cp.Entities)
	if err != nil {
		return fmt.Errorf("marshal checkpoint entities: %w", err)
	}
	snapshots, err := json.Marshal(cp.Snapshots)
	if err != nil {
		return fmt.Errorf("marshal checkpoint snapshots: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO plan_checkpoints (id, run_id, scope, step_index, action_id, entities, snapshots, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
ON CONFLICT (id) DO UPDATE SET
  status     = EXCLUDED.status,
  updated_at = NOW();
`, cp.ID, cp.RunID, cp.Scope, cp.StepIndex, cp.ActionID, entities, snapshots, cp.Status, cp.CreatedAt)
	return err
}

// MarkCheckpointStatus updates the status of a journaled checkpoint.
func (s *Store) MarkCheckpointStatus(ctx context.Context, checkpointID, status string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE plan_checkpoints SET status=$2, updated_at=NOW() WHERE id=$1`, checkpointID, status)
	return err
}

// DiscardCheckpoints removes the journal of a run that reached a terminal state.
func (s *Store) DiscardCheckpoints(ctx context.Context, runID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM plan_checkpoints WHERE run_id=$1`, runID)
	return err
}

// ListCheckpointsByStatus returns journaled checkpoints matching any of the provided statuses.
// Entries that survive a restart belong to runs that never reached a terminal state.
func (s *Store) ListCheckpointsByStatus(ctx context.Context, statuses ...string) ([]PlanCheckpoint, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, scope, step_index, action_id, entities, snapshots, status, created_at, updated_at
FROM plan_checkpoints
WHERE status = ANY($1)
ORDER BY run_id, created_at`, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlanCheckpoint
	for rows.Next() {
		var (
			cp                  PlanCheckpoint
			entities, snapshots []byte
		)
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.Scope, &cp.StepIndex, &cp.ActionID, &entities, &snapshots, &cp.Status, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		if len(entities) > 0 {
			if err := json.Unmarshal(entities, &cp.Entities); err != nil {
				return nil, fmt.Errorf("decode checkpoint %s entities: %w", cp.ID, err)
			}
		}
		if len(snapshots) > 0 {
			if err := json.Unmarshal(snapshots, &cp.Snapshots); err != nil {
				return nil, fmt.Errorf("decode checkpoint %s snapshots: %w", cp.ID, err)
			}
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ClaimIdempotency attempts to register a processed event. It returns false if the key already exists.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// SavePendingResult stores the result of a claimed event until it has been published.
func (s *Store) SavePendingResult(ctx context.Context, scope, key string, payload []byte) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE idempotency_keys SET pending_result = $3 WHERE scope = $1 AND key = $2`, scope, key, payload)
	if err != nil {
		return fmt.Errorf("save pending result %s/%s: %w", scope, key, err)
	}
	return nil
}

// PendingResult returns a stored result that was never published.
func (s *Store) PendingResult(ctx context.Context, scope, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT pending_result FROM idempotency_keys WHERE scope = $1 AND key = $2 AND pending_result IS NOT NULL`, scope, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load pending result %s/%s: %w", scope, key, err)
	}
	return payload, true, nil
}

// ClearPendingResult drops the stored result once it was published.
func (s *Store) ClearPendingResult(ctx context.Context, scope, key string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE idempotency_keys SET pending_result = NULL WHERE scope = $1 AND key = $2`, scope, key)
	if err != nil {
		return fmt.Errorf("clear pending result %s/%s: %w", scope, key, err)
	}
	return nil
}
