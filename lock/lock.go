// Package lock provides named, time-bounded mutual exclusion leases.
package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultWait         = 10 * time.Second
	defaultPollInterval = 5 * time.Millisecond
	maxPollInterval     = 100 * time.Millisecond
)

// Lease is a held lock.
type Lease interface {
	Key() string
	Token() string
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire waits at most wait and then fails with
// an ErrLockTimeout error; ttl bounds how long a crashed holder can block others.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error)
}

// BlockKey names the lease guarding one block instance.
func BlockKey(expID, blockUUID string) string {
	return "lock::" + strings.TrimSpace(expID) + "::" + strings.TrimSpace(blockUUID)
}

func newToken() string {
	return ulid.Make().String()
}

func timeoutError(key string, wait time.Duration) error {
	return experiment.NewError(experiment.ErrLockTimeout,
		fmt.Sprintf("could not acquire %s within %s", key, wait), nil,
		map[string]any{"key": key, "wait": wait.String()})
}

func normalize(ttl, wait time.Duration) (time.Duration, time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if wait < 0 {
		wait = DefaultWait
	}
	return ttl, wait
}

// poll retries try until it succeeds, wait elapses or ctx is done.
func poll(ctx context.Context, key string, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	interval := defaultPollInterval
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return timeoutError(key, wait)
		}
		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if interval < maxPollInterval {
			interval *= 2
		}
	}
}
