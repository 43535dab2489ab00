package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/util"
	"github.com/jmoiron/sqlx"
)

// ErrNotProcessing is returned by the finalizers when the event is no longer
// in the processing state (e.g. the replayer requeued it meanwhile).
var ErrNotProcessing = errors.New("event is not processing")

// ErrDuplicateEvent is returned by Enqueue when an event with the same id
// already exists.
var ErrDuplicateEvent = errors.New("event already exists")

// OutboxRepository defines persistence methods for the outbox_events table.
type OutboxRepository interface {
	// Enqueue writes a single event. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Enqueue(ctx context.Context, tx *sqlx.Tx, ev model.Event) (string, error)
	Get(ctx context.Context, id string) (*model.Event, error)

	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Event, error)
	Claim(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	MarkDone(ctx context.Context, id string, now time.Time) error
	ScheduleRetry(ctx context.Context, id string, attempts int, nextRunAt time.Time, lastErr string, now time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error

	RequeueStale(ctx context.Context, olderThan time.Time, limit int, now time.Time) (int, error)

	ListTerminalBefore(ctx context.Context, cutoff time.Time, includeArchived bool, limit int) ([]model.Event, error)
	MarkArchived(ctx context.Context, ids []string, now time.Time) (int, error)
	Delete(ctx context.Context, ids []string) (int, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db  *sqlx.DB
	Now func() time.Time
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db, Now: time.Now}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

type eventRow struct {
	ID            string         `db:"id"`
	Model         string         `db:"model"`
	Action        string         `db:"action"`
	BeforeData    []byte         `db:"before_data"`
	AfterData     []byte         `db:"after_data"`
	ChangedFields []byte         `db:"changed_fields"`
	Origin        string         `db:"origin"`
	OriginChain   []byte         `db:"origin_chain"`
	ParentEventID string         `db:"parent_event_id"`
	Actor         []byte         `db:"actor"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	NextRunAt     sql.NullTime   `db:"next_run_at"`
	LastError     sql.NullString `db:"last_error"`
	ClaimedBy     string         `db:"claimed_by"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

const eventColumns = `id, model, action, before_data, after_data, changed_fields, origin, origin_chain,
	parent_event_id, actor, status, attempts, next_run_at, last_error, claimed_by, created_at, updated_at`

// ts normalizes timestamps to what DATETIME(3) keeps.
func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

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

// Enqueue assigns an id when absent, defaults status/attempts and persists every field.
// No deduplication happens here.
func (r *OutboxRepositoryImpl) Enqueue(ctx context.Context, tx *sqlx.Tx, ev model.Event) (string, error) {
	if !ev.Action.Valid() {
		return "", fmt.Errorf("enqueue: invalid action %q", ev.Action)
	}
	now := ts(r.Now())
	if ev.ID == "" {
		ev.ID = util.NewIDAt(now)
	}
	ev.Status = model.StatusPending
	ev.Attempts = 0
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if len(ev.ChangedFields) > 0 {
		fields := append([]string(nil), ev.ChangedFields...)
		sort.Strings(fields)
		ev.ChangedFields = fields
	}

	row, err := toRow(ev)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	row.UpdatedAt = now

	const q = `
		INSERT INTO outbox_events (` + eventColumns + `)
		VALUES (:id, :model, :action, :before_data, :after_data, :changed_fields, :origin, :origin_chain,
			:parent_event_id, :actor, :status, :attempts, :next_run_at, :last_error, :claimed_by, :created_at, :updated_at)
	`
	err = r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, row)
		return err
	})
	if isDuplicateKey(err) {
		return "", fmt.Errorf("enqueue %s: %w", ev.ID, ErrDuplicateEvent)
	}
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return ev.ID, nil
}

func (r *OutboxRepositoryImpl) Get(ctx context.Context, id string) (*model.Event, error) {
	var row eventRow
	err := r.db.GetContext(ctx, &row, `SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev, err := row.toEvent()
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListDue returns pending events whose next_run_at is unset or reached, oldest id first.
func (r *OutboxRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.selectEvents(ctx, `
		SELECT `+eventColumns+`
		  FROM outbox_events
		 WHERE status = ? AND (next_run_at IS NULL OR next_run_at <= ?)
		 ORDER BY id ASC
		 LIMIT ?
	`, model.StatusPending, ts(now), limit)
}

// Claim moves pending → processing. Exactly one concurrent caller gets true.
func (r *OutboxRepositoryImpl) Claim(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		   SET status = ?, claimed_by = ?, updated_at = ?
		 WHERE id = ? AND status = ?
	`, model.StatusProcessing, workerID, ts(now), id, model.StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *OutboxRepositoryImpl) MarkDone(ctx context.Context, id string, now time.Time) error {
	return r.finalize(ctx, `
		UPDATE outbox_events
		   SET status = ?, next_run_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?
	`, model.StatusDone, ts(now), id, model.StatusProcessing)
}

func (r *OutboxRepositoryImpl) ScheduleRetry(ctx context.Context, id string, attempts int, nextRunAt time.Time, lastErr string, now time.Time) error {
	return r.finalize(ctx, `
		UPDATE outbox_events
		   SET status = ?, attempts = ?, next_run_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts <= ?
	`, model.StatusPending, attempts, ts(nextRunAt), lastErr, ts(now), id, model.StatusProcessing, attempts)
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id string, attempts int, lastErr string, now time.Time) error {
	return r.finalize(ctx, `
		UPDATE outbox_events
		   SET status = ?, attempts = ?, next_run_at = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts <= ?
	`, model.StatusFailed, attempts, lastErr, ts(now), id, model.StatusProcessing, attempts)
}

func (r *OutboxRepositoryImpl) finalize(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotProcessing
	}
	return nil
}

// RequeueStale returns processing events untouched since olderThan to pending.
func (r *OutboxRepositoryImpl) RequeueStale(ctx context.Context, olderThan time.Time, limit int, now time.Time) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM outbox_events
		 WHERE status = ? AND updated_at < ?
		 ORDER BY id ASC
		 LIMIT ?
	`, model.StatusProcessing, ts(olderThan), limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	// re-checking status and updated_at keeps a concurrent finalize authoritative
	query, args, err := sqlx.In(`
		UPDATE outbox_events
		   SET status = ?, next_run_at = NULL, claimed_by = '', updated_at = ?
		 WHERE id IN (?) AND status = ? AND updated_at < ?
	`, model.StatusPending, ts(now), ids, model.StatusProcessing, ts(olderThan))
	if err != nil {
		return 0, err
	}
	return r.execCount(ctx, query, args...)
}

// ListTerminalBefore selects done/failed (and optionally archived) events created before cutoff.
func (r *OutboxRepositoryImpl) ListTerminalBefore(ctx context.Context, cutoff time.Time, includeArchived bool, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	statuses := []model.EventStatus{model.StatusDone, model.StatusFailed}
	if includeArchived {
		statuses = append(statuses, model.StatusArchived)
	}
	query, args, err := sqlx.In(`
		SELECT `+eventColumns+`
		  FROM outbox_events
		 WHERE status IN (?) AND created_at < ?
		 ORDER BY id ASC
		 LIMIT ?
	`, statuses, ts(cutoff), limit)
	if err != nil {
		return nil, err
	}
	return r.selectEvents(ctx, query, args...)
}

func (r *OutboxRepositoryImpl) MarkArchived(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE outbox_events SET status = ?, updated_at = ?
		 WHERE id IN (?) AND status IN (?)
	`, model.StatusArchived, ts(now), ids, []model.EventStatus{model.StatusDone, model.StatusFailed})
	if err != nil {
		return 0, err
	}
	return r.execCount(ctx, query, args...)
}

func (r *OutboxRepositoryImpl) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		DELETE FROM outbox_events
		 WHERE id IN (?) AND status IN (?)
	`, ids, []model.EventStatus{model.StatusDone, model.StatusFailed, model.StatusArchived})
	if err != nil {
		return 0, err
	}
	return r.execCount(ctx, query, args...)
}

func (r *OutboxRepositoryImpl) execCount(ctx context.Context, query string, args ...any) (int, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *OutboxRepositoryImpl) selectEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toEvent()
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", row.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func toRow(ev model.Event) (eventRow, error) {
	row := eventRow{
		ID:            ev.ID,
		Model:         ev.Model,
		Action:        ev.Action.String(),
		Origin:        ev.Origin,
		ParentEventID: ev.ParentEventID,
		Status:        ev.Status.String(),
		Attempts:      ev.Attempts,
		ClaimedBy:     ev.ClaimedBy,
		CreatedAt:     ts(ev.CreatedAt),
		UpdatedAt:     ts(ev.UpdatedAt),
	}
	if ev.NextRunAt != nil {
		row.NextRunAt = sql.NullTime{Time: ts(*ev.NextRunAt), Valid: true}
	}
	if ev.LastError != "" {
		row.LastError = sql.NullString{String: ev.LastError, Valid: true}
	}

	var err error
	if row.BeforeData, err = marshalNullable(ev.Before, len(ev.Before) == 0); err != nil {
		return row, fmt.Errorf("before: %w", err)
	}
	if row.AfterData, err = marshalNullable(ev.After, len(ev.After) == 0); err != nil {
		return row, fmt.Errorf("after: %w", err)
	}
	if row.ChangedFields, err = marshalNullable(ev.ChangedFields, len(ev.ChangedFields) == 0); err != nil {
		return row, fmt.Errorf("changed fields: %w", err)
	}
	if row.OriginChain, err = marshalNullable(ev.OriginChain, len(ev.OriginChain) == 0); err != nil {
		return row, fmt.Errorf("origin chain: %w", err)
	}
	if row.Actor, err = marshalNullable(ev.Actor, ev.Actor == nil); err != nil {
		return row, fmt.Errorf("actor: %w", err)
	}
	return row, nil
}

func (row eventRow) toEvent() (model.Event, error) {
	ev := model.Event{
		ID:            row.ID,
		Model:         row.Model,
		Action:        model.Action(row.Action),
		Origin:        row.Origin,
		ParentEventID: row.ParentEventID,
		Status:        model.EventStatus(row.Status),
		Attempts:      row.Attempts,
		LastError:     row.LastError.String,
		ClaimedBy:     row.ClaimedBy,
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
	}
	if row.NextRunAt.Valid {
		t := row.NextRunAt.Time.UTC()
		ev.NextRunAt = &t
	}

	var err error
	if ev.Before, err = model.DecodeObject(row.BeforeData); err != nil {
		return ev, fmt.Errorf("before: %w", err)
	}
	if ev.After, err = model.DecodeObject(row.AfterData); err != nil {
		return ev, fmt.Errorf("after: %w", err)
	}
	if len(row.ChangedFields) > 0 {
		if err := json.Unmarshal(row.ChangedFields, &ev.ChangedFields); err != nil {
			return ev, fmt.Errorf("changed fields: %w", err)
		}
	}
	if len(row.OriginChain) > 0 {
		if err := json.Unmarshal(row.OriginChain, &ev.OriginChain); err != nil {
			return ev, fmt.Errorf("origin chain: %w", err)
		}
	}
	if len(row.Actor) > 0 {
		a, err := model.DecodeActor(row.Actor)
		if err != nil {
			return ev, fmt.Errorf("actor: %w", err)
		}
		ev.Actor = a
	}
	return ev, nil
}

func marshalNullable(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}
