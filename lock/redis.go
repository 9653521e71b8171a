package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker; prefix is prepended to every key.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redis locker not configured")
	}
	ttl, wait = normalize(ttl, wait)
	token := newToken()
	redisKey := l.prefix + key
	err := poll(ctx, key, wait, func() (bool, error) {
		return l.client.SetNX(ctx, redisKey, token, ttl).Result()
	})
	if err != nil {
		return nil, err
	}
	return &redisLease{client: l.client, key: key, redisKey: redisKey, token: token}, nil
}

type redisLease struct {
	client   redis.UniversalClient
	key      string
	redisKey string
	token    string
}

func (r *redisLease) Key() string   { return r.key }
func (r *redisLease) Token() string { return r.token }

// Release deletes the key only while it still holds our token.
func (r *redisLease) Release(ctx context.Context) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, r.redisKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != r.token {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.redisKey)
			return nil
		})
		return err
	}, r.redisKey)
	if errors.Is(err, redis.TxFailedErr) {
		// key changed hands while releasing; nothing of ours left to drop
		return nil
	}
	return err
}
