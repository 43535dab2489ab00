package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/outboxflow/internal/authz"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	postsTable    = `CREATE TABLE post (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT, owner_id TEXT, publish_at DATETIME NULL)`
	commentsTable = `CREATE TABLE comment (id INTEGER PRIMARY KEY AUTOINCREMENT, post_id INTEGER, body TEXT, author_id TEXT)`
)

const recordsPolicy = `
default: allow
models:
  comment:
    create: {roles: [member], fields: {author_id: "$actor.id"}}
    read:   {roles: [member], fields: {author_id: "$actor.id"}}
`

func newRecords(t *testing.T) (*RecordsRepositoryImpl, *OutboxRepositoryImpl) {
	t.Helper()
	dbx := testutil.NewSQLite(t, postsTable, commentsTable)
	outbox := NewOutboxRepository(dbx)
	outbox.Now = testutil.NewClock(t0).Now

	policy, err := authz.ParsePolicy([]byte(recordsPolicy))
	require.NoError(t, err)
	return NewRecordsRepository(dbx, outbox, policy), outbox
}

func TestRecords_CreateEmitsEventInSameTx(t *testing.T) {
	ctx := context.Background()
	records, outbox := newRecords(t)
	member := model.Actor{ID: "u1", Roles: []string{"member"}, Authenticated: true}

	row, err := records.Create(ctx, member, Cause{Origin: "wf-a", OriginChain: []string{"wf-a"}, ParentEventID: "01P"},
		"comment", map[string]any{"post_id": int64(1), "body": "hi", "author_id": "someone-else"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), row["id"])
	assert.Equal(t, "u1", row["author_id"], "enforced field overwrites")

	due, err := outbox.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	ev := due[0]
	assert.Equal(t, "comment", ev.Model)
	assert.Equal(t, model.ActionCreate, ev.Action)
	assert.Equal(t, "wf-a", ev.Origin)
	assert.Equal(t, []string{"wf-a"}, ev.OriginChain)
	assert.Equal(t, "01P", ev.ParentEventID)
	assert.Equal(t, int64(1), ev.After["post_id"])
	assert.Equal(t, []string{"author_id", "body", "id", "post_id"}, ev.ChangedFields)
	require.NotNil(t, ev.Actor)
	assert.Equal(t, "u1", ev.Actor.ID)
}

func TestRecords_CreateDenied(t *testing.T) {
	ctx := context.Background()
	records, outbox := newRecords(t)

	_, err := records.Create(ctx, model.Anonymous(), Cause{}, "comment", map[string]any{"body": "x"})
	assert.ErrorIs(t, err, model.ErrPermissionDenied)

	_, err = records.Create(ctx, model.Anonymous(), Cause{}, "comment; DROP", map[string]any{"body": "x"})
	assert.ErrorIs(t, err, model.ErrValidation)

	due, err := outbox.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRecords_ListScopedByPolicy(t *testing.T) {
	ctx := context.Background()
	records, _ := newRecords(t)

	for _, id := range []string{"u1", "u2", "u1"} {
		_, err := records.Create(ctx, model.Actor{ID: id, Roles: []string{"member"}}, Cause{}, "comment",
			map[string]any{"post_id": int64(7), "body": "b"})
		require.NoError(t, err)
	}

	rows, err := records.List(ctx, model.Actor{ID: "u1", Roles: []string{"member"}}, "comment", map[string]any{"post_id": int64(7)}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "u1", r["author_id"])
	}

	system := model.Actor{Claims: map[string]any{model.ClaimSystem: true}}
	rows, err = records.List(ctx, system, "comment", nil, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRecords_UpdateEmitsPerRow(t *testing.T) {
	ctx := context.Background()
	records, outbox := newRecords(t)
	anyone := model.Anonymous()

	for _, title := range []string{"a", "b"} {
		_, err := records.Create(ctx, anyone, Cause{}, "post", map[string]any{"title": title, "owner_id": "o1"})
		require.NoError(t, err)
	}
	before, err := outbox.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, before, 2)

	n, err := records.Update(ctx, anyone, Cause{Origin: "wf-b"}, "post",
		map[string]any{"owner_id": "o1"}, map[string]any{"title": "z"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := outbox.ListDue(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	upd := all[2]
	assert.Equal(t, model.ActionUpdate, upd.Action)
	assert.Equal(t, "wf-b", upd.Origin)
	assert.Equal(t, []string{"title"}, upd.ChangedFields)
	assert.Equal(t, "a", upd.Before["title"])
	assert.Equal(t, "z", upd.After["title"])

	n, err = records.Update(ctx, anyone, Cause{}, "post", map[string]any{"id": int64(99)}, map[string]any{"title": "z"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecords_ListBetween(t *testing.T) {
	ctx := context.Background()
	records, _ := newRecords(t)
	anyone := model.Anonymous()

	for _, offset := range []time.Duration{-2 * time.Hour, 10 * time.Minute, 30 * time.Minute, 3 * time.Hour} {
		_, err := records.Create(ctx, anyone, Cause{}, "post",
			map[string]any{"title": offset.String(), "publish_at": t0.Add(offset)})
		require.NoError(t, err)
	}

	rows, err := records.ListBetween(ctx, "post", "publish_at", t0.Add(-time.Hour), t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "10m0s", rows[0]["title"])
	assert.Equal(t, t0.Add(10*time.Minute).Format(time.RFC3339Nano), rows[0]["publish_at"])

	rows, err = records.ListBetween(ctx, "post", "publish_at", t0.Add(-time.Hour), t0.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRecords_ListBetweenTextDatetimes(t *testing.T) {
	ctx := context.Background()
	records, _ := newRecords(t)

	_, err := records.Create(ctx, model.Anonymous(), Cause{}, "post",
		map[string]any{"title": "json", "publish_at": t0.Add(5 * time.Minute).Format(time.RFC3339)})
	require.NoError(t, err)
	_, err = records.db.Exec(`INSERT INTO post (title, publish_at) VALUES (?, ?)`, "raw", "2026-10-16T12:20:00Z")
	require.NoError(t, err)

	rows, err := records.ListBetween(ctx, "post", "publish_at", t0, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "json", rows[0]["title"])
	assert.Equal(t, "raw", rows[1]["title"])
}

func TestArgValue(t *testing.T) {
	v, err := argValue("2026-10-16T12:05:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 16, 10, 5, 0, 0, time.UTC), v)

	for _, s := range []string{"hello", "2026-10-16", "2026-10-16 12:05:00"} {
		v, err = argValue(s)
		require.NoError(t, err)
		assert.Equal(t, s, v)
	}
}
