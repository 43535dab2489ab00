package cursor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/outboxflow/internal/db"
	"github.com/jmoiron/sqlx"
)

// SQLStore keeps cursors in the scheduler_kv table next to the outbox.
type SQLStore struct {
	db      *sqlx.DB
	dialect db.Dialect
	Now     func() time.Time
}

func NewSQLStore(dbx *sqlx.DB, d db.Dialect) *SQLStore {
	return &SQLStore{db: dbx, dialect: d, Now: time.Now}
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, "SELECT `value` FROM scheduler_kv WHERE `key` = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	q := "INSERT INTO scheduler_kv (`key`, `value`, updated_at) VALUES (?, ?, ?)" +
		s.dialect.UpsertSuffix("key", "value", "updated_at")
	_, err := s.db.ExecContext(ctx, q, key, value, s.now())
	return err
}

// SetIfAbsent relies on the primary key: the losing insert affects no rows.
func (s *SQLStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	q := s.dialect.InsertIgnore() + " INTO scheduler_kv (`key`, `value`, updated_at) VALUES (?, ?, ?)"
	res, err := s.db.ExecContext(ctx, q, key, value, s.now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) now() time.Time {
	return s.Now().UTC().Truncate(time.Millisecond)
}
