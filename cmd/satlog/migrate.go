package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/satlog/config"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
	srv "github.com/mohammad-safakhou/satlog/internal/server"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			logger := runtime.NewLogger(cfg.General, "migrate")
			logger.Info("migrating", "dir", migDir, "direction", direction, "steps", steps)
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
