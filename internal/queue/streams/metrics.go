package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishedEvents   otelmetric.Int64Counter
	consumedEvents    otelmetric.Int64Counter
	droppedEvents     otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("voiceplanner/queue/streams")
	var err error
	publishedEvents, err = meter.Int64Counter(
		"stream_events_published_total",
		otelmetric.WithDescription("Envelopes appended to Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_published_total: %v", err)
	}
	consumedEvents, err = meter.Int64Counter(
		"stream_events_consumed_total",
		otelmetric.WithDescription("Envelopes read and decoded from Redis streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_consumed_total: %v", err)
	}
	droppedEvents, err = meter.Int64Counter(
		"stream_events_dropped_total",
		otelmetric.WithDescription("Stream entries acknowledged without processing because they could not be decoded"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_events_dropped_total: %v", err)
	}
}

func recordPublished(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishedEvents == nil {
		return
	}
	publishedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func recordConsumed(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if consumedEvents == nil {
		return
	}
	consumedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	))
}

func recordDropped(ctx context.Context, stream, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if droppedEvents == nil {
		return
	}
	droppedEvents.Add(contextOrBackground(ctx), 1, otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("reason", reason),
	))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
