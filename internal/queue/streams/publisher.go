package streams

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher appends goal and result envelopes to Redis Streams after checking them against the
// payload schemas.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
}

// PublishOption adjusts the XADD call.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox trims the stream to roughly maxLen entries.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

func NewPublisher(client *redis.Client, registry *SchemaRegistry) *Publisher {
	return &Publisher{client: client, registry: registry}
}

// PublishRaw wraps payload in a fresh envelope and appends it to stream. It returns the stream
// entry id. Payloads that do not match the registered schema are never written.
func (p *Publisher) PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	env, err := NewEnvelope(eventType, version, payload)
	if err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return "", fmt.Errorf("%s payload rejected: %w", eventType, err)
		}
	}
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range opts {
		opt(args)
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s to %s: %w", eventType, stream, err)
	}
	recordPublished(ctx, stream, eventType)
	return id, nil
}
