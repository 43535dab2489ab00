package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmehdipour/outboxflow/internal/authz"
	"github.com/jmehdipour/outboxflow/internal/db"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmoiron/sqlx"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Cause is the causal metadata attached to events a write emits.
type Cause struct {
	Origin        string
	OriginChain   []string
	ParentEventID string
}

// RecordsRepository persists generic domain records. Every write enqueues its
// outbox event in the same transaction.
type RecordsRepository interface {
	// Create inserts a row after an authz create check and returns the stored row.
	Create(ctx context.Context, actor model.Actor, cause Cause, table string, values map[string]any) (map[string]any, error)
	// List returns rows matching where, scoped by the read decision.
	List(ctx context.Context, actor model.Actor, table string, where map[string]any, limit int) ([]map[string]any, error)
	// Update is unchecked; callers authorize and scope where/set themselves.
	Update(ctx context.Context, actor model.Actor, cause Cause, table string, where, set map[string]any) (int64, error)
	// ListBetween returns rows whose field lies in [from, to], ordered by field.
	ListBetween(ctx context.Context, table, field string, from, to time.Time, limit int) ([]map[string]any, error)
}

type RecordsRepositoryImpl struct {
	db     *sqlx.DB
	outbox OutboxRepository
	authz  authz.Authorizer
}

func NewRecordsRepository(db *sqlx.DB, outbox OutboxRepository, az authz.Authorizer) *RecordsRepositoryImpl {
	return &RecordsRepositoryImpl{db: db, outbox: outbox, authz: az}
}

var _ RecordsRepository = (*RecordsRepositoryImpl)(nil)

func (r *RecordsRepositoryImpl) Create(ctx context.Context, actor model.Actor, cause Cause, table string, values map[string]any) (map[string]any, error) {
	if err := checkIdents(table, keys(values)...); err != nil {
		return nil, err
	}
	d, err := r.authz.Authorize(ctx, actor, table, authz.ActionCreate)
	if err != nil {
		return nil, fmt.Errorf("authorize create %s: %w", table, err)
	}
	if err := d.Err(table, authz.ActionCreate); err != nil {
		return nil, err
	}
	values, err = d.ApplyWrite(values)
	if err != nil {
		return nil, err
	}
	if err := checkIdents(table, keys(values)...); err != nil {
		return nil, err
	}

	cols := keys(values)
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		a, err := argValue(values[c])
		if err != nil {
			return nil, fmt.Errorf("create %s: field %s: %w", table, c, err)
		}
		args = append(args, a)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("create %s: no values: %w", table, model.ErrValidation)
	}
	q := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)",
		table, quoteAll(cols), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	var row map[string]any
	err = r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		id, ok := values["id"]
		if !ok {
			if id, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		rows, err := scanRows(ctx, tx, fmt.Sprintf("SELECT * FROM `%s` WHERE `id` = ?", table), id)
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			return fmt.Errorf("created row %v not found", id)
		}
		row = rows[0]

		_, err = r.outbox.Enqueue(ctx, tx, causedEvent(actor, cause, table, model.ActionCreate, nil, row))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", table, err)
	}
	return row, nil
}

func (r *RecordsRepositoryImpl) List(ctx context.Context, actor model.Actor, table string, where map[string]any, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	d, err := r.authz.Authorize(ctx, actor, table, authz.ActionRead)
	if err != nil {
		return nil, fmt.Errorf("authorize read %s: %w", table, err)
	}
	if err := d.Err(table, authz.ActionRead); err != nil {
		return nil, err
	}
	scoped := make(map[string]any, len(where)+len(d.Fields))
	for k, v := range where {
		scoped[k] = v
	}
	for k, v := range d.Fields {
		scoped[k] = v
	}
	if err := checkIdents(table, keys(scoped)...); err != nil {
		return nil, err
	}

	cond, args, err := whereClause(scoped)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT * FROM `%s`%s ORDER BY `id` ASC LIMIT ?", table, cond)
	return scanRows(ctx, r.db, q, append(args, limit)...)
}

func (r *RecordsRepositoryImpl) Update(ctx context.Context, actor model.Actor, cause Cause, table string, where, set map[string]any) (int64, error) {
	if len(set) == 0 {
		return 0, fmt.Errorf("update %s: empty set: %w", table, model.ErrValidation)
	}
	if err := checkIdents(table, append(keys(where), keys(set)...)...); err != nil {
		return 0, err
	}
	cond, condArgs, err := whereClause(where)
	if err != nil {
		return 0, err
	}
	cols := keys(set)
	assigns := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+len(condArgs))
	for _, c := range cols {
		a, err := argValue(set[c])
		if err != nil {
			return 0, fmt.Errorf("update %s: field %s: %w", table, c, err)
		}
		assigns = append(assigns, fmt.Sprintf("`%s` = ?", c))
		args = append(args, a)
	}
	args = append(args, condArgs...)

	var affected int64
	err = r.withTx(ctx, func(tx *sqlx.Tx) error {
		before, err := scanRows(ctx, tx, fmt.Sprintf("SELECT * FROM `%s`%s ORDER BY `id` ASC", table, cond), condArgs...)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE `%s` SET %s%s", table, strings.Join(assigns, ", "), cond), args...)
		if err != nil {
			return err
		}
		if affected, err = res.RowsAffected(); err != nil {
			return err
		}

		for _, b := range before {
			after, err := scanRows(ctx, tx, fmt.Sprintf("SELECT * FROM `%s` WHERE `id` = ?", table), b["id"])
			if err != nil {
				return err
			}
			if len(after) != 1 {
				continue
			}
			if _, err := r.outbox.Enqueue(ctx, tx, causedEvent(actor, cause, table, model.ActionUpdate, b, after[0])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return affected, nil
}

func (r *RecordsRepositoryImpl) ListBetween(ctx context.Context, table, field string, from, to time.Time, limit int) ([]map[string]any, error) {
	if err := checkIdents(table, field); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	col := fmt.Sprintf("`%s`", field)
	lo, hi := "?", "?"
	if r.db.DriverName() == db.SQLite.DriverName() {
		// SQLite keeps datetimes as text in whatever layout was written
		col = "julianday(" + col + ")"
		lo, hi = "julianday(?)", "julianday(?)"
	}
	q := fmt.Sprintf("SELECT * FROM `%s` WHERE %s >= %s AND %s <= %s ORDER BY %s ASC, `id` ASC LIMIT ?",
		table, col, lo, col, hi, col)
	return scanRows(ctx, r.db, q, ts(from), ts(to), limit)
}

func (r *RecordsRepositoryImpl) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func causedEvent(actor model.Actor, cause Cause, table string, action model.Action, before, after map[string]any) model.Event {
	snapshot := actor.Clone()
	return model.Event{
		Model:         table,
		Action:        action,
		Before:        before,
		After:         after,
		ChangedFields: model.ChangedFields(before, after),
		Origin:        cause.Origin,
		OriginChain:   append([]string(nil), cause.OriginChain...),
		ParentEventID: cause.ParentEventID,
		Actor:         &snapshot,
	}
}

type queryer interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

func scanRows(ctx context.Context, q queryer, query string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, err
		}
		out = append(out, normalizeRecord(m))
	}
	return out, rows.Err()
}

// normalizeRecord makes scanned rows compare equal to JSON-decoded snapshots.
func normalizeRecord(m map[string]any) map[string]any {
	for k, v := range m {
		if t, ok := v.(time.Time); ok {
			m[k] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		m[k] = model.Normalize(v)
	}
	return m
}

func whereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	cols := keys(where)
	parts := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		if where[c] == nil {
			parts = append(parts, fmt.Sprintf("`%s` IS NULL", c))
			continue
		}
		a, err := argValue(where[c])
		if err != nil {
			return "", nil, fmt.Errorf("where %s: %w", c, err)
		}
		parts = append(parts, fmt.Sprintf("`%s` = ?", c))
		args = append(args, a)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// argValue turns structured values into JSON text and RFC3339 strings into
// times; other scalars pass through.
func argValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any, []any, []string:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case time.Time:
		return ts(t), nil
	case string:
		if at, ok := rfc3339(t); ok {
			return ts(at), nil
		}
		return t, nil
	default:
		return v, nil
	}
}

// rfc3339 only accepts full timestamps with a zone, so free text and
// plain dates stay strings.
func rfc3339(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04:05Z") || s[4] != '-' || (s[10] != 'T' && s[10] != 't') {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func checkIdents(table string, cols ...string) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q: %w", table, model.ErrValidation)
	}
	for _, c := range cols {
		if !identRe.MatchString(c) {
			return fmt.Errorf("invalid column name %q: %w", c, model.ErrValidation)
		}
	}
	return nil
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func quoteAll(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = "`" + c + "`"
	}
	return strings.Join(q, ", ")
}
