package replayer

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/repository"
	"github.com/jmehdipour/outboxflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayer_RequeuesStaleAndEventIsClaimableAgain(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	outbox := repository.NewOutboxRepository(testutil.NewSQLite(t))
	outbox.Now = clock.Now

	id, err := outbox.Enqueue(ctx, nil, model.Event{Model: "post", Action: model.ActionCreate})
	require.NoError(t, err)
	ok, err := outbox.Claim(ctx, id, "crashed-worker", clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	rp := New(outbox, nil)
	rp.Now = clock.Now

	clock.Advance(time.Minute)
	res, err := rp.RequeueStaleProcessing(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Requeued, "not stale yet")

	clock.Advance(5 * time.Minute)
	res, err = rp.RequeueStaleProcessing(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	ev, err := outbox.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, ev.Status)
	assert.Nil(t, ev.NextRunAt)

	due, err := outbox.ListDue(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err = outbox.Claim(ctx, id, "healthy-worker", clock.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// finalizing twice is rejected
	require.NoError(t, outbox.MarkDone(ctx, id, clock.Now()))
	assert.ErrorIs(t, outbox.MarkDone(ctx, id, clock.Now()), repository.ErrNotProcessing)
}

func TestReplayer_RejectsNonPositiveStale(t *testing.T) {
	_, err := New(nil, nil).RequeueStaleProcessing(context.Background(), 0, 10)
	assert.Error(t, err)
}
