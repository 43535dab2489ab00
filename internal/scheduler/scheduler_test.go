package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/outboxflow/internal/authz"
	"github.com/jmehdipour/outboxflow/internal/cursor"
	"github.com/jmehdipour/outboxflow/internal/db"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/registry"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"github.com/jmehdipour/outboxflow/internal/testutil"
	"github.com/jmehdipour/outboxflow/internal/workflow"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

const postTable = `CREATE TABLE post (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT, publish_at DATETIME NULL)`

const specs = `
name: digest
triggers: [{interval: {unit: minutes, value: 5}}]
steps: [{op: log, message: digest}]
---
name: metrics-flush
triggers: [{interval: {unit: minute, value: 5}}, {interval: {unit: hour, value: 1}}]
steps: [{op: log, message: flush}]
---
name: remind
triggers: [{datetime: {field: post.publish_at, direction: before, unit: hour, value: 1}}]
steps: [{op: log, message: remind}]
---
name: go-live
triggers: [{datetime: {field: post.publish_at}}]
steps: [{op: log, message: live}]
`

type env struct {
	db      *sqlx.DB
	outbox  *repository.OutboxRepositoryImpl
	records *repository.RecordsRepositoryImpl
	reg     *registry.Memory
	sched   *Scheduler
}

func newEnv(t *testing.T, cursors func(*sqlx.DB) cursor.Store) *env {
	t.Helper()
	e := &env{db: testutil.NewSQLite(t, postTable)}
	e.outbox = repository.NewOutboxRepository(e.db)
	e.outbox.Now = testutil.NewClock(t0).Now
	e.records = repository.NewRecordsRepository(e.db, e.outbox, authz.AllowAll{})

	parsed, err := model.ParseSpecs([]byte(specs))
	require.NoError(t, err)
	e.reg, err = registry.NewMemory(parsed...)
	require.NoError(t, err)

	e.sched = New(e.outbox, e.reg, cursors(e.db), e.records, nil)
	return e
}

func memoryCursors(*sqlx.DB) cursor.Store { return cursor.NewMemory() }

func sqlCursors(dbx *sqlx.DB) cursor.Store { return cursor.NewSQLStore(dbx, db.SQLite) }

func (e *env) events(t *testing.T, action model.Action) []model.Event {
	t.Helper()
	all, err := e.outbox.ListDue(context.Background(), t0.Add(24*time.Hour), 1000)
	require.NoError(t, err)
	var out []model.Event
	for _, ev := range all {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

func TestScheduler_IntervalEmissionIsIdempotent(t *testing.T) {
	for name, cursors := range map[string]func(*sqlx.DB) cursor.Store{"memory": memoryCursors, "sql": sqlCursors} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, cursors)

			res, err := e.sched.RunOnce(ctx, t0, time.Minute, 0, 10)
			require.NoError(t, err)
			assert.Equal(t, 2, res.IntervalEmitted, "one per distinct cadence")

			res, err = e.sched.RunOnce(ctx, t0.Add(4*time.Minute), time.Minute, 0, 10)
			require.NoError(t, err)
			assert.Zero(t, res.IntervalEmitted)

			res, err = e.sched.RunOnce(ctx, t0.Add(5*time.Minute), time.Minute, 0, 10)
			require.NoError(t, err)
			assert.Equal(t, 1, res.IntervalEmitted)

			evs := e.events(t, model.ActionInterval)
			require.Len(t, evs, 3)
			fiveMin := 0
			for _, ev := range evs {
				assert.Equal(t, model.OriginScheduler, ev.Origin)
				assert.Nil(t, ev.Actor)
				if ev.Before[model.MetaUnit] == "minute" && ev.Before[model.MetaValue] == int64(5) {
					fiveMin++
				}
			}
			assert.Equal(t, 2, fiveMin)

			// both specs sharing the cadence match the single event
			digest, err := e.reg.Get(ctx, "digest")
			require.NoError(t, err)
			flush, err := e.reg.Get(ctx, "metrics-flush")
			require.NoError(t, err)
			assert.True(t, workflow.Matches(*digest, evs[0]))
			assert.True(t, workflow.Matches(*flush, evs[0]))
		})
	}
}

func TestScheduler_DatetimeDedup(t *testing.T) {
	for name, cursors := range map[string]func(*sqlx.DB) cursor.Store{"memory": memoryCursors, "sql": sqlCursors} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, cursors)
			_, err := e.db.Exec(`INSERT INTO post (id, title, publish_at) VALUES (?, ?, ?), (?, ?, ?), (?, ?, ?)`,
				1, "soon", t0.Add(30*time.Minute),
				2, "later", t0.Add(3*time.Hour),
				3, "now", t0.Add(5*time.Minute),
			)
			require.NoError(t, err)

			lookback, lookahead := time.Hour, 10*time.Minute
			res, err := e.sched.RunOnce(ctx, t0, lookback, lookahead, 10)
			require.NoError(t, err)
			// remind: post 1 fires at 11:30 and post 3 at 11:05; go-live: post 3 at 12:05
			assert.Equal(t, 3, res.DatetimeEmitted)

			res, err = e.sched.RunOnce(ctx, t0.Add(time.Minute), lookback, lookahead, 10)
			require.NoError(t, err)
			assert.Zero(t, res.DatetimeEmitted)

			evs := e.events(t, model.ActionDatetime)
			require.Len(t, evs, 3)

			byKey := map[string]model.Event{}
			for _, ev := range evs {
				byKey[ev.Before[model.MetaSpec].(string)+"/"+ev.Before[model.MetaFireAt].(string)] = ev
			}
			remind, ok := byKey["remind/2026-10-16T11:30:00.000Z"]
			require.True(t, ok, byKey)
			assert.Equal(t, "post", remind.Model)
			assert.Equal(t, int64(1), remind.Before[model.MetaRowID])
			assert.Equal(t, "hour", remind.Before[model.MetaUnit])
			assert.Equal(t, "soon", remind.After["title"])
			require.NotNil(t, remind.NextRunAt)
			assert.True(t, remind.NextRunAt.Equal(t0.Add(-30*time.Minute)))

			live, ok := byKey["go-live/2026-10-16T12:05:00.000Z"]
			require.True(t, ok, byKey)
			assert.True(t, live.NextRunAt.Equal(t0.Add(5*time.Minute)))

			spec, err := e.reg.Get(ctx, "remind")
			require.NoError(t, err)
			assert.True(t, workflow.Matches(*spec, remind))
			assert.False(t, workflow.Matches(*spec, live))
		})
	}
}

func TestScheduler_DatetimeStoredAsText(t *testing.T) {
	for name, cursors := range map[string]func(*sqlx.DB) cursor.Store{"memory": memoryCursors, "sql": sqlCursors} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t, cursors)
			at := t0.Add(5 * time.Minute).Format(time.RFC3339)

			_, err := e.records.Create(ctx, model.Anonymous(), repository.Cause{}, "post",
				map[string]any{"title": "json", "publish_at": at})
			require.NoError(t, err)
			_, err = e.db.Exec(`INSERT INTO post (title, publish_at) VALUES (?, ?)`, "raw", t0.Add(30*time.Minute).Format(time.RFC3339))
			require.NoError(t, err)

			res, err := e.sched.RunOnce(ctx, t0, time.Hour, 10*time.Minute, 10)
			require.NoError(t, err)
			// json: remind at 11:05, go-live at 12:05; raw: remind at 11:30
			assert.Equal(t, 3, res.DatetimeEmitted)

			keys := map[string]bool{}
			for _, ev := range e.events(t, model.ActionDatetime) {
				keys[ev.Before[model.MetaSpec].(string)+"/"+ev.Before[model.MetaFireAt].(string)] = true
			}
			assert.True(t, keys["remind/2026-10-16T11:05:00.000Z"], keys)
			assert.True(t, keys["go-live/2026-10-16T12:05:00.000Z"], keys)
			assert.True(t, keys["remind/2026-10-16T11:30:00.000Z"], keys)
		})
	}
}

func TestFireTimeAndWindow(t *testing.T) {
	before := model.Trigger{Kind: model.TriggerDatetime, Direction: model.DirectionBefore, Unit: model.UnitDay, Value: 1}
	after := model.Trigger{Kind: model.TriggerDatetime, Direction: model.DirectionAfter, Unit: model.UnitDay, Value: 1}
	exact := model.Trigger{Kind: model.TriggerDatetime, Direction: model.DirectionExact}

	field := t0
	assert.Equal(t, t0.AddDate(0, 0, -1), fireTime(before, field))
	assert.Equal(t, t0.AddDate(0, 0, 1), fireTime(after, field))
	assert.Equal(t, t0, fireTime(exact, field))

	from, to := t0.Add(-time.Hour), t0
	f, tt := fieldWindow(before, from, to)
	assert.Equal(t, from.AddDate(0, 0, 1), f)
	assert.Equal(t, to.AddDate(0, 0, 1), tt)
	f, tt = fieldWindow(after, from, to)
	assert.Equal(t, from.AddDate(0, 0, -1), f)
	assert.Equal(t, to.AddDate(0, 0, -1), tt)
}
