package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability/capabilitytest"
	"github.com/mohammad-safakhou/voiceplanner/internal/engine"
	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/queue/streams"
)

type publisherStub struct {
	stream    string
	event     string
	payloads  []streams.PlanCompleted
	callCount int
	err       error
}

func (p *publisherStub) PublishRaw(_ context.Context, stream, eventType, version string, payload interface{}, _ ...streams.PublishOption) (string, error) {
	p.stream = stream
	p.event = eventType
	p.callCount++
	if m, ok := payload.(streams.PlanCompleted); ok {
		p.payloads = append(p.payloads, m)
	}
	return "1-0", p.err
}

type readerStub struct {
	acked []string
}

func (r *readerStub) Read(context.Context, string, ...streams.ConsumerOption) ([]streams.Message, error) {
	return nil, nil
}

func (r *readerStub) AutoClaim(context.Context, string, time.Duration, string, int64) ([]streams.Message, string, error) {
	return nil, "0-0", nil
}

func (r *readerStub) Ack(_ context.Context, _ string, ids ...string) error {
	r.acked = append(r.acked, ids...)
	return nil
}

type claimStub struct {
	err error
}

func (c claimStub) ClaimIdempotency(context.Context, string, string) (bool, error) { return false, c.err }
func (c claimStub) SavePendingResult(context.Context, string, string, []byte) error { return c.err }
func (c claimStub) PendingResult(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, c.err
}
func (c claimStub) ClearPendingResult(context.Context, string, string) error { return c.err }

func newTestEngine(t *testing.T, fake *capabilitytest.Fake) *engine.Engine {
	t.Helper()
	reg, err := capability.NewDefaultRegistry()
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	ex := executor.New(reg, fake, executor.WithBackoff(time.Millisecond, 2*time.Millisecond), executor.WithLogger(quiet))
	return engine.New(reg, ex, engine.WithLogger(quiet))
}

func goalMessage(t *testing.T, id string, payload streams.GoalSubmitted) streams.Message {
	t.Helper()
	env, err := streams.NewEnvelope(streams.EventGoalSubmitted, streams.PayloadV1, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.EventID = id
	return streams.Message{ID: "1-" + id, Envelope: env}
}

func TestHandleMessageRunsGoalOnce(t *testing.T) {
	fake := capabilitytest.New()
	pub := &publisherStub{}
	reader := &readerStub{}
	proc := NewProcessor(log.New(io.Discard, "", 0), NewMemoryClaims(), newTestEngine(t, fake), pub, reader, "", "", nil, nil)

	msg := goalMessage(t, "evt-1", streams.GoalSubmitted{SessionID: "s1", Goal: "enrich property 4"})
	proc.handleBatch(context.Background(), []streams.Message{msg, msg})

	if got := fake.CallCount(capability.ActionEnrichProperty); got != 1 {
		t.Fatalf("expected a single run for duplicate deliveries, got %d enrich calls", got)
	}
	if pub.callCount != 1 || pub.stream != streams.StreamResults || pub.event != streams.EventPlanCompleted {
		t.Fatalf("unexpected publish: %+v", pub)
	}
	done := pub.payloads[0]
	if done.RunID != "evt-1" || done.Outcome != string(executor.OutcomeCompleted) || done.Checksum == "" {
		t.Fatalf("unexpected completion payload: %+v", done)
	}
	if len(reader.acked) != 2 {
		t.Fatalf("both deliveries should be acked, got %v", reader.acked)
	}
}

func TestHandleMessageReportsBlockedAndUnmatchedGoals(t *testing.T) {
	fake := capabilitytest.New()
	pub := &publisherStub{}
	proc := NewProcessor(log.New(io.Discard, "", 0), NewMemoryClaims(), newTestEngine(t, fake), pub, &readerStub{}, "", "", nil, nil)
	ctx := context.Background()

	if err := proc.HandleMessage(ctx, goalMessage(t, "evt-del", streams.GoalSubmitted{SessionID: "s1", Goal: "delete property 3", RunID: "run-del"})); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if err := proc.HandleMessage(ctx, goalMessage(t, "evt-none", streams.GoalSubmitted{SessionID: "s1", Goal: "sing a song"})); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(fake.Calls()) != 0 {
		t.Fatalf("no capability should run, got %v", fake.Actions())
	}
	blocked, unmatched := pub.payloads[0], pub.payloads[1]
	if blocked.RunID != "run-del" || blocked.Outcome != string(executor.OutcomeAborted) || blocked.Error == "" {
		t.Fatalf("unexpected blocked payload: %+v", blocked)
	}
	if unmatched.Outcome != streams.OutcomeNoPlan || unmatched.VoiceSummary == "" {
		t.Fatalf("unexpected unmatched payload: %+v", unmatched)
	}
}

func TestHandleMessageLeavesEntryPendingOnError(t *testing.T) {
	reader := &readerStub{}
	proc := NewProcessor(log.New(io.Discard, "", 0), claimStub{err: errors.New("db down")}, newTestEngine(t, capabilitytest.New()), &publisherStub{}, reader, "", "", nil, nil)

	proc.handleBatch(context.Background(), []streams.Message{goalMessage(t, "evt-2", streams.GoalSubmitted{SessionID: "s1", Goal: "score property 1"})})
	if len(reader.acked) != 0 {
		t.Fatalf("failed entries must stay pending, acked %v", reader.acked)
	}
}

func TestRedeliveryPublishesResultOfFailedPublish(t *testing.T) {
	fake := capabilitytest.New()
	pub := &publisherStub{err: errors.New("redis unavailable")}
	reader := &readerStub{}
	claims := NewMemoryClaims()
	proc := NewProcessor(log.New(io.Discard, "", 0), claims, newTestEngine(t, fake), pub, reader, "", "", nil, nil)
	msg := goalMessage(t, "evt-9", streams.GoalSubmitted{SessionID: "s1", Goal: "enrich property 4", RunID: "run-9"})

	proc.handleBatch(context.Background(), []streams.Message{msg})
	if len(reader.acked) != 0 || pub.callCount != 1 {
		t.Fatalf("failed publish must leave the entry pending: acked=%v publishes=%d", reader.acked, pub.callCount)
	}

	pub.err = nil
	proc.handleBatch(context.Background(), []streams.Message{msg})
	if len(reader.acked) != 1 || pub.callCount != 2 {
		t.Fatalf("redelivery should publish the kept result: acked=%v publishes=%d", reader.acked, pub.callCount)
	}
	if got := fake.CallCount(capability.ActionEnrichProperty); got != 1 {
		t.Fatalf("redelivery must not run the goal again, got %d enrich calls", got)
	}
	done := pub.payloads[1]
	if done.RunID != "run-9" || done.Outcome != string(executor.OutcomeCompleted) || done != pub.payloads[0] {
		t.Fatalf("republished result differs: %+v vs %+v", done, pub.payloads[0])
	}
	if _, ok, _ := claims.PendingResult(context.Background(), streams.EventGoalSubmitted, "evt-9"); ok {
		t.Fatalf("published result should no longer be pending")
	}

	proc.handleBatch(context.Background(), []streams.Message{msg})
	if pub.callCount != 2 || len(reader.acked) != 2 {
		t.Fatalf("a published result is not sent twice: acked=%v publishes=%d", reader.acked, pub.callCount)
	}
}

func TestMemoryClaims(t *testing.T) {
	c := NewMemoryClaims()
	ctx := context.Background()
	if ok, _ := c.ClaimIdempotency(ctx, "goal.submitted", "a"); !ok {
		t.Fatalf("first claim should succeed")
	}
	if ok, _ := c.ClaimIdempotency(ctx, "goal.submitted", "a"); ok {
		t.Fatalf("second claim should fail")
	}
	if ok, _ := c.ClaimIdempotency(ctx, "other", "a"); !ok {
		t.Fatalf("claims are scoped")
	}
}
