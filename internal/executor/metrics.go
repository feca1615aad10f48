package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/planner"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// NewMetrics records step attempts, step durations and plan outcomes on meter.
func NewMetrics(meter otelmetric.Meter) (Metrics, error) {
	attempts, err := meter.Int64Counter("plan_step_attempts_total")
	if err != nil {
		return Metrics{}, fmt.Errorf("step attempts counter: %w", err)
	}
	duration, err := meter.Float64Histogram("plan_step_duration_seconds")
	if err != nil {
		return Metrics{}, fmt.Errorf("step duration histogram: %w", err)
	}
	outcomes, err := meter.Int64Counter("plan_outcomes_total")
	if err != nil {
		return Metrics{}, fmt.Errorf("plan outcomes counter: %w", err)
	}
	return Metrics{
		StepAttempt: func(ctx context.Context, actionID string, attempt int, kind capability.ErrorKind) {
			result := "ok"
			if kind != "" {
				result = string(kind)
			}
			attempts.Add(ctx, 1, otelmetric.WithAttributes(
				attribute.String("action", actionID),
				attribute.String("result", result),
				attribute.Bool("retry", attempt > 1),
			))
		},
		StepDuration: func(ctx context.Context, actionID string, status planner.StepStatus, d time.Duration) {
			duration.Record(ctx, d.Seconds(), otelmetric.WithAttributes(
				attribute.String("action", actionID),
				attribute.String("status", string(status)),
			))
		},
		PlanOutcome: func(ctx context.Context, rule string, outcome PlanOutcome) {
			outcomes.Add(ctx, 1, otelmetric.WithAttributes(
				attribute.String("rule", rule),
				attribute.String("outcome", string(outcome)),
			))
		},
	}, nil
}
