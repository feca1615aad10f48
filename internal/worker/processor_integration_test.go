package worker_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability/capabilitytest"
	"github.com/mohammad-safakhou/voiceplanner/internal/engine"
	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/queue/streams"
	"github.com/mohammad-safakhou/voiceplanner/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	otelnoop "go.opentelemetry.io/otel/metric/noop"
)

func TestWorkerProcessesGoalFromStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(context.Background()) }()

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	redisClient := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	defer func() { _ = redisClient.Close() }()

	registry, err := streams.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("schema registry: %v", err)
	}
	for _, stream := range []string{streams.StreamGoals, streams.StreamResults} {
		if err := streams.EnsureGroup(ctx, redisClient, stream, "test-group"); err != nil {
			t.Fatalf("ensure group %s: %v", stream, err)
		}
	}

	reg, err := capability.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	fake := capabilitytest.New()
	eng := engine.New(reg, executor.New(reg, fake, executor.WithLogger(quiet)), engine.WithLogger(quiet))

	publisher := streams.NewPublisher(redisClient, registry)
	proc := worker.NewProcessor(quiet, worker.NewRedisClaims(redisClient, "test", time.Hour), eng, publisher,
		streams.NewConsumer(redisClient, registry, "test-group", "worker-1"), streams.StreamGoals, streams.StreamResults,
		otelnoop.NewMeterProvider().Meter("test"), nil)

	if _, err := publisher.PublishRaw(ctx, streams.StreamGoals, streams.EventGoalSubmitted, streams.PayloadV1,
		streams.GoalSubmitted{SessionID: "sess-1", Goal: "set up property 12 as a new lead"}); err != nil {
		t.Fatalf("publish goal: %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = proc.Start(runCtx) }()

	results := streams.NewConsumer(redisClient, registry, "test-group", "reader-1")
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := results.Read(ctx, streams.StreamResults, streams.WithBlock(time.Second), streams.WithCount(1))
		if err != nil {
			t.Fatalf("read results: %v", err)
		}
		if len(msgs) == 0 {
			continue
		}
		var done streams.PlanCompleted
		if err := msgs[0].Envelope.Decode(&done); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if done.Outcome != string(executor.OutcomeCompleted) || done.SessionID != "sess-1" {
			t.Fatalf("unexpected result: %+v", done)
		}
		if fake.CallCount(capability.ActionEnrichProperty) != 1 {
			t.Fatalf("expected enrich to run once, got %v", fake.Actions())
		}
		return
	}
	t.Fatalf("no plan.completed event within deadline")
}
