package main

import (
	"github.com/mohammad-safakhou/voiceplanner/config"
	"github.com/mohammad-safakhou/voiceplanner/internal/runtime"
	"github.com/mohammad-safakhou/voiceplanner/internal/store"
	"github.com/spf13/cobra"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var direction string
	var steps int

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			return store.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
