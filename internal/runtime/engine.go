package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/mohammad-safakhou/voiceplanner/config"
	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/internal/checkpoint"
	"github.com/mohammad-safakhou/voiceplanner/internal/collaborator"
	"github.com/mohammad-safakhou/voiceplanner/internal/engine"
	"github.com/mohammad-safakhou/voiceplanner/internal/executor"
	"github.com/mohammad-safakhou/voiceplanner/internal/memory"
	"github.com/mohammad-safakhou/voiceplanner/internal/store"
	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// ErrNoCollaborator is returned when goals must execute but collaborator.base_url is unset.
var ErrNoCollaborator = errors.New("collaborator.base_url is required to execute goals")

// Components is the wired goal execution stack shared by the serve, worker and run commands.
type Components struct {
	Registry *capability.Registry
	Engine   *engine.Engine
	// Store is nil when Postgres is disabled; traces then live in memory only.
	Store *store.Store
}

// BuildEngine wires the catalog, the collaborator client, the optional Postgres store and the engine.
// A nil collab builds an HTTP client from cfg.Collaborator.
func BuildEngine(ctx context.Context, cfg *config.Config, meter otelmetric.Meter, collab capability.Collaborator) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	reg, err := capability.NewDefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("load action catalog: %w", err)
	}
	if collab == nil {
		if cfg.Collaborator.BaseURL == "" {
			return nil, ErrNoCollaborator
		}
		client, err := collaborator.New(cfg.Collaborator.BaseURL,
			collaborator.WithToken(cfg.Collaborator.Token),
			collaborator.WithHTTPClient(&http.Client{Timeout: cfg.Collaborator.Timeout}),
		)
		if err != nil {
			return nil, err
		}
		collab = client
	}

	ec := cfg.Engine.Normalize()
	exOpts := []executor.Option{
		executor.WithWorkers(ec.Workers),
		executor.WithStepTimeout(ec.StepTimeout),
		executor.WithBackoff(ec.BackoffInitial, ec.BackoffMax),
	}
	if meter != nil {
		m, err := executor.NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("executor metrics: %w", err)
		}
		exOpts = append(exOpts, executor.WithMetrics(m))
	}

	engOpts := []engine.Option{
		engine.WithSessions(memory.NewSessions(ec.SessionTTL)),
		engine.WithManifestSecret(cfg.Manifest.Secret),
	}

	comps := &Components{Registry: reg}
	if cfg.Storage.Postgres.Enabled {
		dsn, err := BuildPostgresDSN(cfg)
		if err != nil {
			return nil, err
		}
		st, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		comps.Store = st
		exOpts = append(exOpts, executor.WithJournal(checkpoint.NewStoreJournal(st)))
		engOpts = append(engOpts, engine.WithRepository(st))
	} else {
		log.Printf("[ENGINE] postgres disabled; traces are kept in memory")
	}

	comps.Engine = engine.New(reg, executor.New(reg, collab, exOpts...), engOpts...)
	return comps, nil
}

// Close releases the store connection.
func (c *Components) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}
	return client, nil
}
