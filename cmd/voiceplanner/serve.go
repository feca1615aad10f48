package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/config"
	"github.com/mohammad-safakhou/voiceplanner/internal/queue/streams"
	"github.com/mohammad-safakhou/voiceplanner/internal/runtime"
	"github.com/mohammad-safakhou/voiceplanner/internal/server"
	"github.com/mohammad-safakhou/voiceplanner/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCMD() *cobra.Command {
	var addr string
	var migrateOnStart bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			ctx, stop := runtime.SignalContext(cmd.Context())
			defer stop()

			tele, meter, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: cfg.General.ServiceName + "-api"})
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tele)

			if migrateOnStart && cfg.Storage.Postgres.Enabled {
				dsn, err := runtime.BuildPostgresDSN(cfg)
				if err != nil {
					return err
				}
				if err := store.Migrate("file://migrations", dsn, "up", 0); err != nil {
					return err
				}
			}

			comps, err := runtime.BuildEngine(ctx, cfg, meter, nil)
			if err != nil {
				return err
			}
			defer func() { _ = comps.Close() }()

			opts := server.Options{
				Engine:     comps.Engine,
				GoalStream: cfg.Streams.GoalStream,
				MaxLen:     cfg.Streams.MaxLen,
				Metrics:    tele.MetricsHandler(),
			}
			secret, err := runtime.LoadJWTSecret(cfg)
			switch {
			case err == nil:
				opts.Secret = secret
			case errors.Is(err, runtime.ErrNoJWTSecret) && !cfg.Server.RequireScope:
				log.Printf("[HTTP] no jwt secret configured; API is unauthenticated")
			default:
				return err
			}
			if cfg.Storage.Redis.Enabled {
				rdb, err := runtime.NewRedisClient(ctx, cfg.Storage.Redis)
				if err != nil {
					return err
				}
				defer func() { _ = rdb.Close() }()
				registry, err := streams.NewDefaultRegistry()
				if err != nil {
					return err
				}
				opts.Publisher = streams.NewPublisher(rdb, registry)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				comps.Engine.PruneSessions(gctx, cfg.Engine.PruneInterval)
				return nil
			})
			g.Go(func() error {
				return server.Run(gctx, server.New(opts), cfg.Server.Address)
			})
			return g.Wait()
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply database migrations before serving")
	return serve
}

func shutdownTelemetry(t *runtime.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
}
