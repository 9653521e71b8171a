package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/blocks"
	"github.com/goliatone/go-experiment/config"
	"github.com/goliatone/go-experiment/engine"
	"github.com/goliatone/go-experiment/lock"
	"github.com/goliatone/go-experiment/metrics"
	"github.com/goliatone/go-experiment/notify"
	"github.com/goliatone/go-experiment/store"
	"github.com/goliatone/go-experiment/tasks"
	"github.com/goliatone/go-logger/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// Runtime is an engine wired from configuration together with the
// resources it owns.
type Runtime struct {
	Config  config.Config
	Logger  experiment.Logger
	Engine  *engine.Engine
	Runner  *tasks.LocalRunner
	History *notify.MemoryBus
	Metrics *prometheus.Registry

	closers []func(context.Context) error
}

func newLogger(cfg config.LoggingConfig, out io.Writer) experiment.Logger {
	var base glog.Logger
	if strings.EqualFold(cfg.Format, "json") {
		base = glog.NewLogger(glog.WithWriter(out), glog.WithLevel(cfg.Level), glog.WithLoggerTypeJSON())
	} else {
		base = glog.NewLogger(glog.WithWriter(out), glog.WithLevel(cfg.Level))
	}
	return experiment.NewGlogLogger(base)
}

// NewRuntime opens the configured store, lock and notification backends
// and builds an engine with every block kind and the synthetic job
// handlers registered.
func NewRuntime(ctx context.Context, cfg config.Config, logger experiment.Logger) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt = &Runtime{Config: cfg, Logger: experiment.NormalizeLogger(logger)}
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
			rt = nil
		}
	}()

	var rdb redis.UniversalClient
	if cfg.Store.Driver == "redis" || cfg.Lock.Driver == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.onClose(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return rt, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		rdb = client
	}

	st, err := rt.openStore(ctx, cfg.Store, rdb)
	if err != nil {
		return rt, err
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.Lock.Driver == "redis" {
		locker = lock.NewRedisLocker(rdb, cfg.Lock.Prefix)
	}

	rt.History = notify.NewMemoryBus(cfg.Notify.History)
	var bus notify.Bus = rt.History
	if cfg.Notify.Driver == "socketio" {
		sio, err := notify.DialSocketIO(ctx, notify.SocketIOConfig{
			URL:            cfg.Notify.URL,
			Namespace:      cfg.Notify.Namespace,
			Event:          cfg.Notify.Event,
			ConnectTimeout: cfg.Notify.ConnectTimeout,
		}, rt.Logger)
		if err != nil {
			return rt, err
		}
		rt.onClose(func(context.Context) error { return sio.Close() })
		bus = notify.Fanout(rt.History, sio)
	}

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		rt.Metrics = prometheus.NewRegistry()
		recorder = metrics.NewPrometheus(rt.Metrics, cfg.Metrics.Namespace)
	}

	rt.Runner = tasks.NewLocalRunner(cfg.Tasks.Workers,
		tasks.WithHandlerOptions(cfg.Tasks.RunnerOptions()...),
		tasks.WithLogger(rt.Logger),
		tasks.WithRecorder(recorder),
	)
	rt.onClose(rt.Runner.Close)
	if err := blocks.HandleSynthetic(rt.Runner); err != nil {
		return rt, err
	}

	kinds, err := blocks.NewRegistry()
	if err != nil {
		return rt, err
	}
	rt.Engine, err = engine.New(st, kinds,
		engine.WithLocker(locker),
		engine.WithRunner(rt.Runner),
		engine.WithBus(bus),
		engine.WithRecorder(recorder),
		engine.WithLogger(rt.Logger),
		engine.WithLockTiming(cfg.Lock.TTL, cfg.Lock.Wait),
		engine.WithUpdaterOptions(cfg.Updates.UpdaterOptions()...),
	)
	return rt, err
}

func (rt *Runtime) openStore(ctx context.Context, cfg config.StoreConfig, rdb redis.UniversalClient) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
		}
		db.SetMaxOpenConns(1)
		rt.onClose(func(context.Context) error { return db.Close() })
		return store.NewSQLStore(db, cfg.Table), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		rt.onClose(func(context.Context) error { pool.Close(); return nil })
		return store.NewPostgresStore(pool, cfg.Table), nil
	case "redis":
		return store.NewRedisStore(rdb, cfg.TTL).WithPrefix(cfg.Prefix), nil
	}
	return store.NewMemoryStore(), nil
}

func (rt *Runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
