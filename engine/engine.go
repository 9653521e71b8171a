// Package engine runs experiments: it drives block state machines, schedules
// ready blocks scope by scope, iterates meta-blocks over their nested scopes
// and persists everything through the versioned experiment context.
package engine

import (
	"context"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/lock"
	"github.com/goliatone/go-experiment/metrics"
	"github.com/goliatone/go-experiment/notify"
	"github.com/goliatone/go-experiment/store"
	"github.com/goliatone/go-experiment/tasks"
)

// Engine is the workflow execution engine.
type Engine struct {
	kinds    *KindRegistry
	updater  *store.Updater
	locker   lock.Locker
	runner   tasks.Runner
	bus      notify.Bus
	recorder metrics.Recorder
	logger   experiment.Logger
	lockTTL  time.Duration
	lockWait time.Duration
	now      func() time.Time

	updaterOpts []store.UpdaterOption
	scopes      *ScopeRunner
}

// Option configures an Engine.
type Option func(*Engine)

func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithRunner sets the task runner. Runners exposing SetCallbacks are wired
// back to the engine.
func WithRunner(r tasks.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

func WithBus(b notify.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithLogger(l experiment.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLockTiming sets the lease TTL and how long acquisition may wait.
func WithLockTiming(ttl, wait time.Duration) Option {
	return func(e *Engine) {
		e.lockTTL = ttl
		e.lockWait = wait
	}
}

// WithUpdaterOptions tunes the context retry loop.
func WithUpdaterOptions(opts ...store.UpdaterOption) Option {
	return func(e *Engine) { e.updaterOpts = append(e.updaterOpts, opts...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type callbackSetter interface {
	SetCallbacks(tasks.Callbacks)
}

// New builds an engine over st using the kinds in registry.
func New(st store.Store, registry *KindRegistry, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, experiment.NewError(experiment.ErrConfiguration, "engine requires a store", nil, nil)
	}
	if registry == nil {
		return nil, experiment.NewError(experiment.ErrConfiguration, "engine requires a kind registry", nil, nil)
	}
	e := &Engine{
		kinds:    registry,
		lockTTL:  lock.DefaultTTL,
		lockWait: lock.DefaultWait,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = experiment.NormalizeLogger(e.logger)
	e.recorder = metrics.Normalize(e.recorder)
	if e.locker == nil {
		e.locker = lock.NewMemoryLocker()
	}
	if e.bus == nil {
		e.bus = notify.Discard
	}
	if e.runner == nil {
		e.runner = tasks.NewLocalRunner(4, tasks.WithLogger(e.logger), tasks.WithRecorder(e.recorder))
	}
	if setter, ok := e.runner.(callbackSetter); ok {
		setter.SetCallbacks(e)
	}

	updaterOpts := append([]store.UpdaterOption{
		store.WithLogger(e.logger),
		store.WithConflictHook(func(_ string, attempt int) { e.recorder.RecordConflict(attempt) }),
	}, e.updaterOpts...)
	e.updater = store.NewUpdater(st, updaterOpts...)
	e.scopes = &ScopeRunner{engine: e}
	return e, nil
}

// Kinds returns the kind registry.
func (e *Engine) Kinds() *KindRegistry { return e.kinds }

// Runner returns the task runner.
func (e *Engine) Runner() tasks.Runner { return e.runner }

// Scopes returns the scope runner.
func (e *Engine) Scopes() *ScopeRunner { return e.scopes }

// Updater exposes the context updater for user keys.
func (e *Engine) Updater() *store.Updater { return e.updater }

func (e *Engine) acquire(ctx context.Context, expID, blockUUID string) (lock.Lease, error) {
	start := time.Now()
	lease, err := e.locker.Acquire(ctx, lock.BlockKey(expID, blockUUID), e.lockTTL, e.lockWait)
	e.recorder.RecordLockWait(time.Since(start), err == nil)
	return lease, err
}

func (e *Engine) release(ctx context.Context, lease lock.Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("release lease %s: %v", lease.Key(), err)
	}
}

func (e *Engine) publish(ctx context.Context, n notify.Notification) {
	if err := e.bus.Publish(ctx, n); err != nil {
		e.logger.Warn("publish %s notification for %s: %v", n.Type, n.ExpID, err)
	}
}

func (e *Engine) blockNotification(b *Block, mode string, silent bool, comment string) notify.Notification {
	return notify.Notification{
		ExpID:      b.ExpID,
		Type:       notify.TypeBlockUpdated,
		Mode:       mode,
		Silent:     silent,
		Comment:    comment,
		BlockUUID:  b.UUID,
		BlockAlias: b.Alias,
		Scope:      b.ScopeName,
	}
}

func (e *Engine) blockLogger(b *Block) experiment.Logger {
	return experiment.WithLoggerFields(e.logger, map[string]any{
		"exp_id": b.ExpID, "block_uuid": b.UUID, "block_kind": b.Kind, "scope": b.ScopeName,
	})
}
