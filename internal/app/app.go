// Package app wires configuration into the outbox, workflow and worker components.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmehdipour/outboxflow/internal/authz"
	"github.com/jmehdipour/outboxflow/internal/config"
	"github.com/jmehdipour/outboxflow/internal/cursor"
	"github.com/jmehdipour/outboxflow/internal/db"
	"github.com/jmehdipour/outboxflow/internal/ingest"
	"github.com/jmehdipour/outboxflow/internal/kafka"
	"github.com/jmehdipour/outboxflow/internal/replayer"
	"github.com/jmehdipour/outboxflow/internal/registry"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"github.com/jmehdipour/outboxflow/internal/retention"
	"github.com/jmehdipour/outboxflow/internal/scheduler"
	"github.com/jmehdipour/outboxflow/internal/workflow"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the shared connections and repositories of one process.
type App struct {
	Cfg     config.Config
	Log     *zap.Logger
	DB      *sqlx.DB
	Dialect db.Dialect
	Redis   *redis.Client // nil unless redis.addr is set

	Outbox   *repository.OutboxRepositoryImpl
	Records  *repository.RecordsRepositoryImpl
	Authz    authz.Authorizer
	Registry registry.Registry
	Custom   *workflow.CustomRegistry

	mu      sync.Mutex
	closers []io.Closer
}

func (a *App) onClose(c io.Closer) {
	a.mu.Lock()
	a.closers = append(a.closers, c)
	a.mu.Unlock()
}

// New opens the store (and Redis when configured), loads the authorization
// policy and the spec directory.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Cfg: cfg, Log: log, Custom: workflow.NewCustomRegistry()}

	dbx, d, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a.DB, a.Dialect = dbx, d
	a.onClose(dbx)

	if cfg.Redis.Addr != "" {
		rdb, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		a.Redis = rdb
		a.onClose(rdb)
	}

	policy, err := authz.LoadPolicy(cfg.Authz.PolicyFile)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Authz = policy

	reg, err := registry.NewDir(cfg.Specs.Dir, log.With(zap.String("component", "registry")))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load specs: %w", err)
	}
	a.Registry = reg

	a.Outbox = repository.NewOutboxRepository(dbx)
	a.Records = repository.NewRecordsRepository(dbx, a.Outbox, a.Authz)

	if len(cfg.Kafka.Brokers) > 0 {
		w := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Kafka.Brokers, WriteTimeout: cfg.Kafka.WriteTimeout})
		a.onClose(w)
		br := kafka.NewMicroBreaker(cfg.Kafka.Breaker.FailThreshold, time.Duration(cfg.Kafka.Breaker.OpenForMs)*time.Millisecond)
		a.Custom.Register(kafka.PublishStepName, kafka.NewPublishStep(w, cfg.Kafka.PublishTopic, br, log.With(zap.String("component", "kafka"))))
	}
	return a, nil
}

// OpenStore connects to the configured SQL store.
func OpenStore(cfg config.Config) (*sqlx.DB, db.Dialect, error) {
	d, err := db.ParseDialect(cfg.Store.Driver)
	if err != nil {
		return nil, "", err
	}
	opts := db.PoolOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	}
	var dbx *sqlx.DB
	switch d {
	case db.SQLite:
		dbx, err = db.NewSQLiteConnection(cfg.SQLite.Path, db.PoolOpts{})
	default:
		dbx, err = db.NewMySQLConnection(cfg.MySQL.DSN, opts)
	}
	if err != nil {
		return nil, "", fmt.Errorf("%s connect: %w", d, err)
	}
	return dbx, d, nil
}

// OpenArchive connects to ClickHouse; it returns nil when no DSN is configured.
func OpenArchive(cfg config.Config) (*sqlx.DB, error) {
	if cfg.ClickHouse.DSN == "" {
		return nil, nil
	}
	ch, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOpts{
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	return ch, nil
}

func (a *App) Runner() *workflow.Runner {
	return workflow.NewRunner(a.Outbox, a.Registry, a.Records, a.Authz, a.Custom, a.Log.With(zap.String("component", "runner")))
}

func (a *App) RunnerOptions() workflow.Options {
	c := a.Cfg.Runner
	return workflow.Options{ClaimLimit: c.ClaimLimit, MaxAttempts: c.MaxAttempts, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
}

// Cursors uses Redis when both an address and a cursor prefix are configured.
func (a *App) Cursors() cursor.Store {
	if a.Redis != nil && a.Cfg.Redis.CursorPrefix != "" {
		return cursor.NewRedisStore(a.Redis, a.Cfg.Redis.CursorPrefix, a.Cfg.Redis.MarkerTTL)
	}
	return cursor.NewSQLStore(a.DB, a.Dialect)
}

func (a *App) Scheduler() *scheduler.Scheduler {
	return scheduler.New(a.Outbox, a.Registry, a.Cursors(), a.Records, a.Log.With(zap.String("component", "scheduler")))
}

func (a *App) SchedulerOptions() scheduler.Options {
	c := a.Cfg.Scheduler
	return scheduler.Options{Lookback: c.Lookback, Lookahead: c.Lookahead, LimitPerTrigger: c.LimitPerTrigger}
}

func (a *App) Replayer() *replayer.Replayer {
	return replayer.New(a.Outbox, a.Log.With(zap.String("component", "replayer")))
}

// Sweeper attaches the ClickHouse archive sink when one is configured.
func (a *App) Sweeper() (*retention.Sweeper, error) {
	ch, err := OpenArchive(a.Cfg)
	if err != nil {
		return nil, err
	}
	var sink retention.ArchiveSink
	if ch != nil {
		a.onClose(ch)
		sink = repository.NewCHArchiveRepository(ch)
	}
	return retention.New(a.Outbox, sink, a.Log.With(zap.String("component", "retention"))), nil
}

// KafkaIngest returns the consumer-backed ingest worker.
func (a *App) KafkaIngest() (*ingest.KafkaIngest, error) {
	c := a.Cfg.Kafka
	if len(c.Brokers) == 0 || c.IngestTopic == "" {
		return nil, errors.New("kafka ingest needs kafka.brokers and kafka.ingest_topic")
	}
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        c.Brokers,
		Topic:          c.IngestTopic,
		GroupID:        c.GroupID,
		MinBytes:       c.MinBytes,
		MaxBytes:       c.MaxBytes,
		CommitInterval: time.Duration(c.CommitInterval) * time.Millisecond,
	})
	a.onClose(consumer)
	return ingest.NewKafkaIngest(consumer, a.Outbox, a.Log.With(zap.String("component", "ingest"))), nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Migrate applies the outbox schema and, when ClickHouse is configured, the archive table.
func Migrate(ctx context.Context, cfg config.Config) error {
	dbx, d, err := OpenStore(cfg)
	if err != nil {
		return err
	}
	defer dbx.Close()
	if err := db.Migrate(ctx, dbx, d); err != nil {
		return fmt.Errorf("migrate %s: %w", d, err)
	}

	ch, err := OpenArchive(cfg)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}
	defer ch.Close()
	if err := db.MigrateArchive(ctx, ch); err != nil {
		return fmt.Errorf("migrate clickhouse: %w", err)
	}
	return nil
}
