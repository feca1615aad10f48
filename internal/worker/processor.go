// Package worker runs goals submitted over Redis Streams and publishes their results.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/engine"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"github.com/mohammad-safakhou/voiceplanner/internal/queue/streams"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultReclaimIdle = 2 * time.Minute
	defaultBlock       = 5 * time.Second
	defaultBatch       = 16
)

// ClaimStore deduplicates deliveries of the same event and holds a run's result until it has
// been published, so a redelivery can publish it without running the goal again.
type ClaimStore interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	SavePendingResult(ctx context.Context, scope, key string, payload []byte) error
	PendingResult(ctx context.Context, scope, key string) ([]byte, bool, error)
	ClearPendingResult(ctx context.Context, scope, key string) error
}

// GoalRunner is the engine surface the worker drives.
type GoalRunner interface {
	SubmitRun(ctx context.Context, runID, sessionID string, goal planner.Goal) (engine.Result, error)
}

// EventReader reads and acknowledges goal envelopes.
type EventReader interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

// EventPublisher publishes result payloads.
type EventPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

var (
	_ EventReader    = (*streams.Consumer)(nil)
	_ EventPublisher = (*streams.Publisher)(nil)
	_ GoalRunner     = (*engine.Engine)(nil)
)

// Processor consumes goal.submitted events, runs them through the engine and publishes plan.completed.
type Processor struct {
	logger       *log.Logger
	claims       ClaimStore
	engine       GoalRunner
	consumer     EventReader
	publisher    EventPublisher
	goalStream   string
	resultStream string
	reclaimIdle  time.Duration
	tracer       trace.Tracer
	goalCounter  otelmetric.Int64Counter
	skipCounter  otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, claims ClaimStore, eng GoalRunner, pub EventPublisher, cons EventReader, goalStream, resultStream string, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if goalStream == "" {
		goalStream = streams.StreamGoals
	}
	if resultStream == "" {
		resultStream = streams.StreamResults
	}
	proc := &Processor{
		logger:       logger,
		claims:       claims,
		engine:       eng,
		consumer:     cons,
		publisher:    pub,
		goalStream:   goalStream,
		resultStream: resultStream,
		reclaimIdle:  defaultReclaimIdle,
		tracer:       tracer,
	}
	if meter != nil {
		var err error
		proc.goalCounter, err = meter.Int64Counter("worker_goals_processed")
		if err != nil {
			logger.Printf("warn: create goal counter failed: %v", err)
		}
		proc.skipCounter, err = meter.Int64Counter("worker_goals_deduplicated")
		if err != nil {
			logger.Printf("warn: create dedup counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, processing goal.submitted events until the context is cancelled. Entries left
// pending by a crashed worker are reclaimed first.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", p.goalStream)
	p.reclaim(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, p.goalStream, streams.WithBlock(defaultBlock), streams.WithCount(defaultBatch))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		p.handleBatch(ctx, msgs)
	}
}

func (p *Processor) reclaim(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, p.goalStream, p.reclaimIdle, start, defaultBatch)
		if err != nil {
			p.logger.Printf("warn: reclaim pending goals failed: %v", err)
			return
		}
		if len(msgs) > 0 {
			p.logger.Printf("reclaimed %d pending goals", len(msgs))
		}
		p.handleBatch(ctx, msgs)
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (p *Processor) handleBatch(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if err := p.HandleMessage(ctx, msg); err != nil {
			p.logger.Printf("error handling goal message %s: %v", msg.ID, err)
			continue
		}
		if err := p.consumer.Ack(ctx, p.goalStream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
	}
}

// HandleMessage runs one goal. A delivery whose event id was already claimed is skipped, unless
// its result was never published; that result is published again. Errors leave the entry
// pending so it can be reclaimed.
func (p *Processor) HandleMessage(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_goal",
		trace.WithAttributes(attribute.String("event.id", msg.Envelope.EventID)))
	defer span.End()

	if msg.Envelope.EventType != streams.EventGoalSubmitted {
		p.logger.Printf("ignore event %s of type %s", msg.Envelope.EventID, msg.Envelope.EventType)
		return nil
	}
	var payload streams.GoalSubmitted
	if err := msg.Envelope.Decode(&payload); err != nil {
		return err
	}

	claimed, err := p.claims.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		if p.skipCounter != nil {
			p.skipCounter.Add(ctx, 1)
		}
		return p.republish(ctx, span, msg.Envelope)
	}

	runID := payload.RunID
	if runID == "" {
		runID = msg.Envelope.EventID
	}
	goal := planner.Goal{
		Text:               payload.Goal,
		ConfirmDestructive: payload.ConfirmDestructive,
		Hints:              planner.ContextHints{PropertyID: payload.PropertyID, Filter: payload.Filter},
	}
	res, runErr := p.engine.SubmitRun(ctx, runID, payload.SessionID, goal)
	completed := completion(res, runErr)
	completed.RunID = runID
	span.SetAttributes(attribute.String("plan.outcome", completed.Outcome))

	if raw, err := json.Marshal(completed); err != nil {
		p.logger.Printf("warn: encode result of run %s: %v", runID, err)
	} else if err := p.claims.SavePendingResult(ctx, msg.Envelope.EventType, msg.Envelope.EventID, raw); err != nil {
		p.logger.Printf("warn: keep result of run %s: %v", runID, err)
	}
	if err := p.publish(ctx, span, msg.Envelope, completed); err != nil {
		return err
	}
	if p.goalCounter != nil {
		p.goalCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", completed.Outcome)))
	}
	p.logger.Printf("run %s finished outcome=%s", runID, completed.Outcome)
	return nil
}

// republish sends the stored result of an already claimed event whose publish failed earlier.
func (p *Processor) republish(ctx context.Context, span trace.Span, env streams.Envelope) error {
	raw, ok, err := p.claims.PendingResult(ctx, env.EventType, env.EventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load pending result failed")
		return fmt.Errorf("load pending result: %w", err)
	}
	if !ok {
		p.logger.Printf("skip event %s: already processed", env.EventID)
		return nil
	}
	var completed streams.PlanCompleted
	if err := json.Unmarshal(raw, &completed); err != nil {
		p.logger.Printf("warn: drop unreadable result of event %s: %v", env.EventID, err)
		return p.claims.ClearPendingResult(ctx, env.EventType, env.EventID)
	}
	if err := p.publish(ctx, span, env, completed); err != nil {
		return err
	}
	p.logger.Printf("run %s result published on redelivery outcome=%s", completed.RunID, completed.Outcome)
	return nil
}

func (p *Processor) publish(ctx context.Context, span trace.Span, env streams.Envelope, completed streams.PlanCompleted) error {
	if _, err := p.publisher.PublishRaw(ctx, p.resultStream, streams.EventPlanCompleted, streams.PayloadV1, completed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publish %s: %w", streams.EventPlanCompleted, err)
	}
	if err := p.claims.ClearPendingResult(ctx, env.EventType, env.EventID); err != nil {
		p.logger.Printf("warn: clear result of event %s: %v", env.EventID, err)
	}
	return nil
}

func completion(res engine.Result, runErr error) streams.PlanCompleted {
	out := streams.PlanCompleted{
		SessionID:    res.SessionID,
		VoiceSummary: res.Report.VoiceSummary,
		Checksum:     res.Manifest.Checksum,
	}
	if res.Trace != nil {
		out.Rule = res.Trace.Rule
		out.Outcome = string(res.Trace.Outcome)
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if out.Outcome == "" {
		out.Outcome = streams.OutcomeNoPlan
		out.VoiceSummary = "I could not work out what to do: " + out.Error
	}
	return out
}
