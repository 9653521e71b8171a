package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	experiment "github.com/goliatone/go-experiment"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockers(t *testing.T) map[string]Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Locker{
		"memory": NewMemoryLocker(),
		"redis":  NewRedisLocker(client, "test:"),
	}
}

func TestLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			key := BlockKey("exp", "meta")
			var inside atomic.Int32
			var maxInside atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					lease, err := l.Acquire(ctx, key, time.Second, 5*time.Second)
					if !assert.NoError(t, err) {
						return
					}
					n := inside.Add(1)
					for {
						m := maxInside.Load()
						if n <= m || maxInside.CompareAndSwap(m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					inside.Add(-1)
					assert.NoError(t, lease.Release(ctx))
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside.Load())
		})
	}
}

func TestLockerTimesOutLoudly(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			held, err := l.Acquire(ctx, "k", time.Minute, 0)
			require.NoError(t, err)
			defer held.Release(ctx)

			start := time.Now()
			_, err = l.Acquire(ctx, "k", time.Minute, 30*time.Millisecond)
			require.Error(t, err)
			assert.True(t, experiment.IsLockTimeout(err))
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestLockerReleaseIgnoresForeignToken(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	clock := time.Now()
	l.now = func() time.Time { return clock }

	first, err := l.Acquire(ctx, "k", 10*time.Millisecond, 0)
	require.NoError(t, err)

	clock = clock.Add(20 * time.Millisecond) // first lease expired
	second, err := l.Acquire(ctx, "k", time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, first.Release(ctx))
	assert.True(t, l.Held("k"), "stale holder must not release the new lease")

	require.NoError(t, second.Release(ctx))
	assert.False(t, l.Held("k"))
}

func TestRedisLeaseExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	l := NewRedisLocker(client, "")

	_, err := l.Acquire(ctx, "k", time.Second, 0)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	lease, err := l.Acquire(ctx, "k", time.Second, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Token())
	assert.Equal(t, "k", lease.Key())
}

func TestAcquireHonoursContext(t *testing.T) {
	l := NewMemoryLocker()
	_, err := l.Acquire(context.Background(), "k", time.Minute, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k", time.Minute, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
