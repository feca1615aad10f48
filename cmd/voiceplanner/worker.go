package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/voiceplanner/config"
	"github.com/mohammad-safakhou/voiceplanner/internal/queue/streams"
	"github.com/mohammad-safakhou/voiceplanner/internal/runtime"
	"github.com/mohammad-safakhou/voiceplanner/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func workerCMD() *cobra.Command {
	var lagInterval time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume goal.submitted events from Redis and publish plan.completed results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Storage.Redis.Enabled {
				return fmt.Errorf("worker requires storage.redis.enabled")
			}
			ctx, stop := runtime.SignalContext(cmd.Context())
			defer stop()

			tele, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: cfg.General.ServiceName + "-worker"})
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tele)

			comps, err := runtime.BuildEngine(ctx, cfg, meter, nil)
			if err != nil {
				return err
			}
			defer func() { _ = comps.Close() }()

			rdb, err := runtime.NewRedisClient(ctx, cfg.Storage.Redis)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			registry, err := streams.NewDefaultRegistry()
			if err != nil {
				return err
			}
			sc := cfg.Streams
			if err := streams.EnsureGroup(ctx, rdb, sc.GoalStream, sc.Group); err != nil {
				return fmt.Errorf("ensure group: %w", err)
			}
			consumerName := fmt.Sprintf("%s-%s", sc.Consumer, uuid.NewString()[:8])
			consumer := streams.NewConsumer(rdb, registry, sc.Group, consumerName)
			publisher := streams.NewPublisher(rdb, registry)

			var claims worker.ClaimStore = worker.NewRedisClaims(rdb, "", 0)
			if comps.Store != nil {
				claims = comps.Store
			}

			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
			processor := worker.NewProcessor(logger, claims, comps.Engine, publisher, consumer, sc.GoalStream, sc.ResultStream, meter, tracer)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return processor.Start(gctx) })
			g.Go(func() error {
				comps.Engine.PruneSessions(gctx, cfg.Engine.PruneInterval)
				return nil
			})
			g.Go(func() error {
				watchLag(gctx, logger, rdb, sc.GoalStream, sc.Group, lagInterval)
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&lagInterval, "lag-interval", 30*time.Second, "how often to log consumer group lag (0 disables)")
	return cmd
}

func watchLag(ctx context.Context, logger *log.Logger, rdb *redis.Client, stream, group string, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := streams.GroupLag(ctx, rdb, stream, group)
			if err != nil {
				logger.Printf("lag check: %v", err)
				continue
			}
			if lag.Backlogged() {
				logger.Printf("backlog on %s: %s", stream, lag)
			}
		}
	}
}
