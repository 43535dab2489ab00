package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmehdipour/outboxflow/internal/app"
	"github.com/jmehdipour/outboxflow/internal/config"
	"github.com/jmehdipour/outboxflow/internal/logger"
	"github.com/jmehdipour/outboxflow/internal/metrics"
	"github.com/jmehdipour/outboxflow/internal/retention"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// loop is one long-running background component.
type loop struct {
	name string
	run  func(ctx context.Context, a *app.App) error
}

var loops = map[string]loop{
	"runner": {"runner", func(ctx context.Context, a *app.App) error {
		return a.Runner().Run(ctx, a.Cfg.Runner.Interval, a.RunnerOptions())
	}},
	"scheduler": {"scheduler", func(ctx context.Context, a *app.App) error {
		return a.Scheduler().Run(ctx, a.Cfg.Scheduler.Interval, a.SchedulerOptions())
	}},
	"replayer": {"replayer", func(ctx context.Context, a *app.App) error {
		c := a.Cfg.Replayer
		return a.Replayer().Run(ctx, c.Interval, c.Stale, c.Limit)
	}},
	"retention": {"retention", func(ctx context.Context, a *app.App) error {
		c := a.Cfg.Retention
		mode, err := retention.ParseMode(c.Mode)
		if err != nil {
			return err
		}
		sw, err := a.Sweeper()
		if err != nil {
			return err
		}
		return sw.Run(ctx, c.Interval, mode, c.Days, c.BatchLimit)
	}},
	"ingest": {"ingest", func(ctx context.Context, a *app.App) error {
		w, err := a.KafkaIngest()
		if err != nil {
			return err
		}
		return w.Run(ctx)
	}},
}

// allLoops is what "worker all" starts; ingest joins only when Kafka is configured.
var allLoops = []string{"runner", "scheduler", "replayer", "retention"}

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd(load func() (config.Config, error)) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background loops",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address (e.g. :9100)")

	for _, name := range []string{"runner", "scheduler", "replayer", "retention", "ingest"} {
		l := loops[name]
		cmd.AddCommand(&cobra.Command{
			Use:   l.name,
			Short: "Run the " + l.name + " loop",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(load, metricsAddr, []loop{l})
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run every loop in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			names := allLoops
			if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.IngestTopic != "" {
				names = append(append([]string(nil), allLoops...), "ingest")
			}
			selected := make([]loop, 0, len(names))
			for _, n := range names {
				selected = append(selected, loops[n])
			}
			return runWith(cfg, metricsAddr, selected)
		},
	})
	return cmd
}

func run(load func() (config.Config, error), metricsAddr string, selected []loop) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	return runWith(cfg, metricsAddr, selected)
}

// runWith starts the loops and blocks until a signal arrives or one fails.
func runWith(cfg config.Config, metricsAddr string, selected []loop) error {
	log := logger.Component("worker")
	metrics.MustRegister(prometheus.DefaultRegisterer)

	a, err := app.New(cfg, logger.Log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() { _ = a.Close() }()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, l := range selected {
		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			log.Info("loop starting", zap.String("loop", l.name))
			if err := l.run(ctx, a); err != nil {
				log.Error("loop exited", zap.String("loop", l.name), zap.Error(err))
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", l.name, err)
				}
				mu.Unlock()
				stop()
			}
		}(l)
	}
	wg.Wait()
	return firstErr
}
