package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/store"
	"github.com/mohammad-safakhou/voiceplanner/models"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func findMigrationsDir(t *testing.T) string {
	t.Helper()
	cwd, _ := os.Getwd()
	for i := 0; i < 6; i++ {
		candidate := filepath.Join(cwd, "migrations")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return "file://" + candidate
		}
		cwd = filepath.Dir(cwd)
	}
	t.Fatalf("could not locate migrations directory from test cwd")
	return ""
}

func TestStorePostgresRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("voiceplanner"),
		tcPostgres.WithUsername("voiceplanner"),
		tcPostgres.WithPassword("voiceplanner"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://voiceplanner:voiceplanner@%s:%s/voiceplanner?sslmode=disable", host, port.Port())

	migDir := findMigrationsDir(t)
	var migErr error
	for i := 0; i < 6; i++ {
		if migErr = store.Migrate(migDir, dsn, "up", 0); migErr == nil {
			break
		}
		time.Sleep(300 * time.Millisecond)
	}
	if migErr != nil {
		t.Fatalf("migrate: %v", migErr)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	started := time.Now().UTC().Truncate(time.Millisecond)
	rec := store.TraceRecord{
		RunID:      "11111111-1111-1111-1111-111111111111",
		SessionID:  "sess-int",
		Goal:       "enrich property 5",
		Rule:       "enrich",
		Outcome:    "COMPLETED",
		Trace:      json.RawMessage(`{"outcome": "COMPLETED"}`),
		Checksum:   "sum",
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}
	if err := st.SaveTrace(ctx, rec); err != nil {
		t.Fatalf("SaveTrace: %v", err)
	}
	if err := st.SaveTrace(ctx, rec); err != nil {
		t.Fatalf("repeat SaveTrace: %v", err)
	}
	got, ok, err := st.GetTrace(ctx, rec.RunID)
	if err != nil || !ok {
		t.Fatalf("GetTrace: ok=%v err=%v", ok, err)
	}
	if got.Outcome != "COMPLETED" || got.Checksum != "sum" {
		t.Fatalf("unexpected trace: %+v", got)
	}

	cp := store.PlanCheckpoint{
		ID:        "22222222-2222-2222-2222-222222222222",
		RunID:     rec.RunID,
		Scope:     "plan",
		StepIndex: 1,
		ActionID:  "enrich_property",
		Entities:  []models.EntityRef{{Type: models.EntityProperty, ID: "5"}},
		Snapshots: map[string][]byte{"property:5": []byte("v1")},
		Status:    "captured",
		CreatedAt: started,
	}
	if err := st.RecordCheckpoint(ctx, cp); err != nil {
		t.Fatalf("RecordCheckpoint: %v", err)
	}
	pending, err := st.ListCheckpointsByStatus(ctx, "captured")
	if err != nil {
		t.Fatalf("ListCheckpointsByStatus: %v", err)
	}
	if len(pending) != 1 || string(pending[0].Snapshots["property:5"]) != "v1" {
		t.Fatalf("unexpected pending checkpoints: %+v", pending)
	}
	if err := st.DiscardCheckpoints(ctx, rec.RunID); err != nil {
		t.Fatalf("DiscardCheckpoints: %v", err)
	}
	pending, err = st.ListCheckpointsByStatus(ctx, "captured")
	if err != nil {
		t.Fatalf("ListCheckpointsByStatus: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected journal to be discarded, got %d", len(pending))
	}
}
