package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/runner"
)

// DefaultMaxAttempts bounds the read-merge-CAS loop.
const DefaultMaxAttempts = 4

// ErrNoChange lets a mutation skip the write.
var ErrNoChange = errors.New("no change")

// Updater applies deltas to experiment contexts with optimistic retries.
// Each attempt re-reads the record and re-applies the delta, so concurrent
// writers touching different keys all land.
type Updater struct {
	store       Store
	maxAttempts int
	backoff     runner.Backoff
	logger      experiment.Logger
	onConflict  func(expID string, attempt int)
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

func WithMaxAttempts(n int) UpdaterOption {
	return func(u *Updater) {
		if n > 0 {
			u.maxAttempts = n
		}
	}
}

func WithBackoff(b runner.Backoff) UpdaterOption {
	return func(u *Updater) {
		if b != nil {
			u.backoff = b
		}
	}
}

func WithLogger(l experiment.Logger) UpdaterOption {
	return func(u *Updater) {
		u.logger = l
	}
}

// WithConflictHook is called after every version conflict.
func WithConflictHook(fn func(expID string, attempt int)) UpdaterOption {
	return func(u *Updater) {
		u.onConflict = fn
	}
}

// NewUpdater wraps s.
func NewUpdater(s Store, opts ...UpdaterOption) *Updater {
	u := &Updater{
		store:       s,
		maxAttempts: DefaultMaxAttempts,
		backoff:     runner.Immediate{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(u)
		}
	}
	u.logger = experiment.NormalizeLogger(u.logger)
	return u
}

// Store returns the underlying store.
func (u *Updater) Store() Store { return u.store }

// Load returns the current record, or an empty version-0 record.
func (u *Updater) Load(ctx context.Context, expID string) (*ContextRecord, error) {
	rec, err := u.store.Load(ctx, expID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &ContextRecord{ExpID: strings.TrimSpace(expID), Data: map[string]json.RawMessage{}}
	}
	if rec.Data == nil {
		rec.Data = map[string]json.RawMessage{}
	}
	return rec, nil
}

// Update shallow-merges delta into the context. A nil value removes the key.
func (u *Updater) Update(ctx context.Context, expID string, delta map[string]json.RawMessage) (int, error) {
	return u.Mutate(ctx, expID, func(data map[string]json.RawMessage) error {
		for k, v := range delta {
			if v == nil {
				delete(data, k)
				continue
			}
			data[k] = append(json.RawMessage(nil), v...)
		}
		return nil
	})
}

// Mutate applies fn to a fresh copy of the context data and writes it back
// with compare-and-swap, retrying on version conflicts.
func (u *Updater) Mutate(ctx context.Context, expID string, fn func(data map[string]json.RawMessage) error) (int, error) {
	if u == nil || u.store == nil {
		return 0, errNotConfigured
	}
	expID = strings.TrimSpace(expID)
	if expID == "" {
		return 0, errors.New("experiment id required")
	}

	for attempt := 0; attempt < u.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		current, err := u.Load(ctx, expID)
		if err != nil {
			return 0, err
		}
		data := CloneData(current.Data)
		if err := fn(data); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current.Version, nil
			}
			return 0, err
		}

		version, err := u.store.CompareAndSwap(ctx, &ContextRecord{ExpID: expID, Data: data}, current.Version)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return 0, err
		}

		u.logger.Debug("context version conflict on %s, attempt %d", expID, attempt+1)
		if u.onConflict != nil {
			u.onConflict(expID, attempt+1)
		}
		if attempt+1 < u.maxAttempts {
			if err := runner.Sleep(ctx, u.backoff.Delay(attempt, err)); err != nil {
				return 0, err
			}
		}
	}

	return 0, experiment.NewError(experiment.ErrConcurrencyExceeded,
		fmt.Sprintf("context update for %s exceeded %d attempts", expID, u.maxAttempts), ErrVersionConflict,
		map[string]any{"exp_id": expID, "attempts": u.maxAttempts})
}

// RemoveKeys deletes keys from the context.
func (u *Updater) RemoveKeys(ctx context.Context, expID string, keys ...string) (int, error) {
	delta := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		delta[k] = nil
	}
	return u.Update(ctx, expID, delta)
}

// RemovePrefix deletes every key starting with prefix.
func (u *Updater) RemovePrefix(ctx context.Context, expID, prefix string) (int, error) {
	return u.Mutate(ctx, expID, func(data map[string]json.RawMessage) error {
		keys := KeysWithPrefix(data, prefix)
		if len(keys) == 0 {
			return ErrNoChange
		}
		for _, k := range keys {
			delete(data, k)
		}
		return nil
	})
}

// Delete removes the whole experiment context.
func (u *Updater) Delete(ctx context.Context, expID string) error {
	return u.store.Delete(ctx, expID)
}
