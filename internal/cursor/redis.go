package cursor

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps cursors in Redis under Prefix. Datetime markers are
// written with TTL so the keyspace stays bounded; interval cursors never expire.
type RedisStore struct {
	rdb    *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, markerTTL time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "outboxflow:cursor:"
	}
	return &RedisStore{rdb: rdb, Prefix: prefix, TTL: markerTTL}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.Prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, s.Prefix+key, value, 0).Err()
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	return s.rdb.SetNX(ctx, s.Prefix+key, value, s.TTL).Result()
}
