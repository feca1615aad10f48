package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClaims deduplicates events with SETNX keys that expire after ttl. Used when no
// Postgres store is configured.
type RedisClaims struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisClaims(client *redis.Client, prefix string, ttl time.Duration) *RedisClaims {
	if prefix == "" {
		prefix = "voiceplanner:claims"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisClaims{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisClaims) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, fmt.Sprintf("%s:%s:%s", c.prefix, scope, key), time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx claim: %w", err)
	}
	return ok, nil
}

func (c *RedisClaims) resultKey(scope, key string) string {
	return fmt.Sprintf("%s:result:%s:%s", c.prefix, scope, key)
}

// SavePendingResult keeps the result next to its claim, with the same expiry.
func (c *RedisClaims) SavePendingResult(ctx context.Context, scope, key string, payload []byte) error {
	if err := c.client.Set(ctx, c.resultKey(scope, key), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("save pending result: %w", err)
	}
	return nil
}

func (c *RedisClaims) PendingResult(ctx context.Context, scope, key string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, c.resultKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load pending result: %w", err)
	}
	return payload, true, nil
}

func (c *RedisClaims) ClearPendingResult(ctx context.Context, scope, key string) error {
	if err := c.client.Del(ctx, c.resultKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("clear pending result: %w", err)
	}
	return nil
}

// MemoryClaims keeps claims in process.
type MemoryClaims struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	pending map[string][]byte
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{seen: make(map[string]struct{}), pending: make(map[string][]byte)}
}

func (c *MemoryClaims) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := scope + "|" + key
	if _, ok := c.seen[k]; ok {
		return false, nil
	}
	c.seen[k] = struct{}{}
	return true, nil
}

func (c *MemoryClaims) SavePendingResult(ctx context.Context, scope, key string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[scope+"|"+key] = append([]byte(nil), payload...)
	return nil
}

func (c *MemoryClaims) PendingResult(ctx context.Context, scope, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.pending[scope+"|"+key]
	return payload, ok, nil
}

func (c *MemoryClaims) ClearPendingResult(ctx context.Context, scope, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, scope+"|"+key)
	return nil
}
