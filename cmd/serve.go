package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/outboxflow/internal/app"
	httpSrv "github.com/jmehdipour/outboxflow/internal/http"
	"github.com/jmehdipour/outboxflow/internal/logger"
	"github.com/jmehdipour/outboxflow/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingestion API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Component("http")
		metrics.MustRegister(prometheus.DefaultRegisterer)

		a, err := app.New(cfg, log)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		defer func() { _ = a.Close() }()

		server := httpSrv.NewServer(cfg.HTTP, httpSrv.Deps{
			Events:   a.Outbox,
			Registry: a.Registry,
			Redis:    a.Redis,
			Log:      log,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
