package cmd

import (
	"fmt"
	"os"

	"github.com/jmehdipour/outboxflow/cmd/worker"
	"github.com/jmehdipour/outboxflow/internal/config"
	"github.com/jmehdipour/outboxflow/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	envPath string
	rootCmd = &cobra.Command{
		Use:   "outboxflow",
		Short: "Event-driven workflow orchestrator on a transactional outbox",
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "path to .env file (ignored when missing)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd(loadConfig))
}

// loadConfig reads configuration and initializes the global logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgPath, envPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	return cfg, nil
}
