package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/outboxflow/internal/kafka"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"github.com/jmehdipour/outboxflow/internal/testutil"
	"github.com/jmehdipour/outboxflow/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	committed []int64
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) Commit(_ context.Context, m kafka.Message) error {
	s.committed = append(s.committed, m.Offset)
	return nil
}

// flakyStore fails the first n enqueues.
type flakyStore struct {
	Store
	fails int
}

func (f *flakyStore) Enqueue(ctx context.Context, tx *sqlx.Tx, ev model.Event) (string, error) {
	if f.fails > 0 {
		f.fails--
		return "", errors.New("deadlock")
	}
	return f.Store.Enqueue(ctx, tx, ev)
}

func msg(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "outboxflow.events", Offset: offset, Value: []byte(value)}
}

func TestKafkaIngest_EnqueuesAndCommits(t *testing.T) {
	ctx := context.Background()
	outbox := repository.NewOutboxRepository(testutil.NewSQLite(t))
	src := &fakeSource{}
	w := NewKafkaIngest(src, outbox, nil)

	id := util.NewID()
	body := `{"id":"` + id + `","model":"post","action":"update",
		"before":{"id":1,"title":"a","views":3},"after":{"id":1,"title":"b","views":3},
		"actor":{"id":"u1","roles":["member"],"authenticated":true}}`
	require.NoError(t, w.Handle(ctx, msg(1, body)))
	require.NoError(t, w.Handle(ctx, msg(2, body)), "redelivery")

	ev, err := outbox.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "kafka", ev.Origin)
	assert.Equal(t, []string{"title"}, ev.ChangedFields)
	assert.Equal(t, int64(1), ev.After["id"])
	assert.Equal(t, "u1", ev.Actor.ID)

	due, err := outbox.ListDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, []int64{1, 2}, src.committed)
}

func TestKafkaIngest_PoisonIsCommittedAndSkipped(t *testing.T) {
	ctx := context.Background()
	outbox := repository.NewOutboxRepository(testutil.NewSQLite(t))
	src := &fakeSource{}
	w := NewKafkaIngest(src, outbox, nil)

	for i, body := range []string{
		`not json`,
		`{"model":"post","action":"interval"}`,
		`{"model":"","action":"create"}`,
		`{"model":"post","action":"create","actor":{"claims":{"system":true}}}`,
		`{"id":"42","model":"post","action":"create"}`,
	} {
		require.NoError(t, w.Handle(ctx, msg(int64(i), body)), body)
	}
	assert.Len(t, src.committed, 5)

	due, err := outbox.ListDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestKafkaIngest_RetriesStoreFailureBeforeCommit(t *testing.T) {
	ctx := context.Background()
	outbox := repository.NewOutboxRepository(testutil.NewSQLite(t))
	src := &fakeSource{}
	w := NewKafkaIngest(src, &flakyStore{Store: outbox, fails: 2}, nil)
	w.RetryWait = time.Millisecond

	require.NoError(t, w.Handle(ctx, msg(7, `{"model":"post","action":"create","after":{"id":1}}`)))
	assert.Equal(t, []int64{7}, src.committed)

	due, err := outbox.ListDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestKafkaIngest_CancelledWhileRetryingLeavesOffset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	outbox := repository.NewOutboxRepository(testutil.NewSQLite(t))
	src := &fakeSource{}
	w := NewKafkaIngest(src, &flakyStore{Store: outbox, fails: 1 << 30}, nil)
	w.RetryWait = time.Millisecond

	time.AfterFunc(20*time.Millisecond, cancel)
	err := w.Handle(ctx, msg(3, `{"model":"post","action":"create"}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, src.committed)
}

func TestKafkaIngest_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewKafkaIngest(&fakeSource{}, nil, nil)
	assert.NoError(t, w.Run(ctx))
}

// staleStore misses every lookup, as a redelivery racing the first insert would.
type staleStore struct {
	Store
}

func (staleStore) Get(context.Context, string) (*model.Event, error) { return nil, nil }

func TestKafkaIngest_DuplicateInsertIsCommitted(t *testing.T) {
	ctx := context.Background()
	outbox := repository.NewOutboxRepository(testutil.NewSQLite(t))
	src := &fakeSource{}
	w := NewKafkaIngest(src, staleStore{outbox}, nil)

	body := `{"id":"` + util.NewID() + `","model":"post","action":"create","after":{"id":1}}`
	require.NoError(t, w.Handle(ctx, msg(1, body)))
	require.NoError(t, w.Handle(ctx, msg(2, body)))
	assert.Equal(t, []int64{1, 2}, src.committed)
}
