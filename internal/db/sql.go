package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type PoolOpts struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// NewMySQLConnection opens a *sqlx.DB with sensible pool/timeouts.
// The DSN must carry parseTime=true so DATETIME columns scan into time.Time.
func NewMySQLConnection(dsn string, opts PoolOpts) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty MySQL DSN")
	}
	return open(MySQL.DriverName(), dsn, opts)
}

// NewSQLiteConnection opens (or creates) a SQLite file. SQLite allows a single
// writer, so the pool is pinned to one connection.
func NewSQLiteConnection(path string, opts PoolOpts) (*sqlx.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty SQLite path")
	}
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	dbx, err := open(SQLite.DriverName(), path+"?_busy_timeout=5000&_foreign_keys=on", opts)
	if err != nil {
		return nil, err
	}
	if _, err := dbx.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	return dbx, nil
}

// NewClickHouseConnection opens the archive sink connection,
// e.g. clickhouse://default:@localhost:9000/outboxflow?dial_timeout=5s.
func NewClickHouseConnection(dsn string, opts PoolOpts) (*sqlx.DB, error) {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 3 * time.Second
	}
	return open("clickhouse", dsn, opts)
}

func open(driver, dsn string, opts PoolOpts) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
