package cursor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/outboxflow/internal/db"
	"github.com/jmehdipour/outboxflow/internal/model"
	"github.com/jmehdipour/outboxflow/internal/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "interval:minute:5")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "interval:minute:5", "2026-10-16T12:00:00.000Z"))
	require.NoError(t, s.Set(ctx, "interval:minute:5", "2026-10-16T12:05:00.000Z"))
	v, ok, err := s.Get(ctx, "interval:minute:5")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-10-16T12:05:00.000Z", v)

	key := "datetime:remind:post:1:publish_at:before:2026-10-16T12:00:00.000Z"
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetIfAbsent(ctx, key, "1")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestSQLStore(t *testing.T) {
	testStore(t, NewSQLStore(testutil.NewSQLite(t), db.SQLite))
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	const prefix = "outboxflow:test:"
	testStore(t, NewRedisStore(rdb, prefix, time.Hour))

	assert.Zero(t, mr.TTL(prefix+"interval:minute:5"), "interval cursors never expire")
	marker := prefix + "datetime:remind:post:1:publish_at:before:2026-10-16T12:00:00.000Z"
	assert.Equal(t, time.Hour, mr.TTL(marker))

	mr.FastForward(time.Hour + time.Second)
	assert.False(t, mr.Exists(marker))
}

func TestKeys(t *testing.T) {
	fireAt := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "interval:minute:5", IntervalKey(model.UnitMinute, 5))
	assert.Equal(t, "datetime:remind:post:7:publish_at:before:2026-10-16T12:00:00.000Z",
		DatetimeKey("remind", "post", int64(7), "publish_at", model.DirectionBefore, fireAt))

	parsed, err := ParseTime(FormatTime(fireAt))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(fireAt))
}
