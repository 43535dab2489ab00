package cmd

import (
	"context"
	"time"

	"github.com/jmehdipour/outboxflow/internal/app"
	"github.com/jmehdipour/outboxflow/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the outbox and cursor tables (and the ClickHouse archive when configured)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if err := app.Migrate(ctx, cfg); err != nil {
			return err
		}

		logger.Log.Info("migration complete",
			zap.String("driver", cfg.Store.Driver), zap.Bool("archive", cfg.ClickHouse.DSN != ""))
		return nil
	},
}
