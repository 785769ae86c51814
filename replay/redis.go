package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "replay:"

// RedisStore keeps records as keys with a TTL, so Redis evicts them itself.
type RedisStore struct {
	client  redis.Cmdable
	prefix  string
	nowFunc func() time.Time
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.prefix = prefix
	}
}

func WithRedisNowFunc(now func() time.Time) RedisOption {
	return func(r *RedisStore) {
		r.nowFunc = now
	}
}

// NewRedisStore creates a RedisStore over an existing client.
func NewRedisStore(client redis.Cmdable, options ...RedisOption) *RedisStore {
	r := &RedisStore{
		client:  client,
		prefix:  defaultKeyPrefix,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// InsertIfAbsent uses SET NX with an expiry; Redis guarantees only one caller wins.
func (r *RedisStore) InsertIfAbsent(ctx context.Context, key Key, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(r.nowFunc())
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key.String(), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("[RedisStore.InsertIfAbsent] %w", err)
	}
	return ok, nil
}
