package db

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect captures the few statements MySQL and SQLite spell differently.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case MySQL, "":
		return MySQL, nil
	case SQLite, "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unknown store driver %q", s)
	}
}

func (d Dialect) String() string { return string(d) }

func (d Dialect) DriverName() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "mysql"
}

// InsertIgnore is the insert-if-absent verb; RowsAffected tells whether the row was new.
func (d Dialect) InsertIgnore() string {
	if d == SQLite {
		return "INSERT OR IGNORE"
	}
	return "INSERT IGNORE"
}

// UpsertSuffix overwrites cols on primary key conflict.
func (d Dialect) UpsertSuffix(key string, cols ...string) string {
	sets := make([]string, 0, len(cols))
	if d == SQLite {
		for _, c := range cols {
			sets = append(sets, fmt.Sprintf("`%s` = excluded.`%s`", c, c))
		}
		return fmt.Sprintf(" ON CONFLICT(`%s`) DO UPDATE SET %s", key, strings.Join(sets, ", "))
	}
	for _, c := range cols {
		sets = append(sets, fmt.Sprintf("`%s` = VALUES(`%s`)", c, c))
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// Migrate applies the embedded schema for d. Statements are idempotent.
func Migrate(ctx context.Context, dbx *sqlx.DB, d Dialect) error {
	return applySchema(ctx, dbx, string(d))
}

// MigrateArchive creates the ClickHouse archive table.
func MigrateArchive(ctx context.Context, ch *sqlx.DB) error {
	return applySchema(ctx, ch, "clickhouse")
}

func applySchema(ctx context.Context, dbx *sqlx.DB, name string) error {
	path := fmt.Sprintf("schema/%s.sql", name)
	b, err := schemaFS.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", path, err)
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := dbx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}
