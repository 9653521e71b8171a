// Package config loads engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-experiment/lock"
	"github.com/goliatone/go-experiment/runner"
	"github.com/goliatone/go-experiment/store"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Version  int            `json:"version" yaml:"version"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Lock     LockConfig     `json:"lock" yaml:"lock"`
	Redis    RedisConfig    `json:"redis,omitempty" yaml:"redis,omitempty"`
	Updates  UpdateConfig   `json:"updates" yaml:"updates"`
	Tasks    TaskConfig     `json:"tasks" yaml:"tasks"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	Watchdog WatchdogConfig `json:"watchdog" yaml:"watchdog"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres or redis.
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Table  string `json:"table,omitempty" yaml:"table,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// TTL expires redis records; zero keeps them.
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

type LockConfig struct {
	// Driver is memory or redis.
	Driver string        `json:"driver" yaml:"driver"`
	Prefix string        `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	TTL    time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Wait   time.Duration `json:"wait,omitempty" yaml:"wait,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

// UpdateConfig tunes the read-merge-CAS retry loop.
type UpdateConfig struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase   time.Duration `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`
	BackoffFactor float64       `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	BackoffMax    time.Duration `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`
	BackoffJitter float64       `json:"backoff_jitter,omitempty" yaml:"backoff_jitter,omitempty"`
}

type TaskConfig struct {
	Workers    int           `json:"workers" yaml:"workers"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

type NotifyConfig struct {
	// Driver is memory or socketio.
	Driver         string        `json:"driver" yaml:"driver"`
	History        int           `json:"history,omitempty" yaml:"history,omitempty"`
	URL            string        `json:"url,omitempty" yaml:"url,omitempty"`
	Namespace      string        `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Event          string        `json:"event,omitempty" yaml:"event,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
}

type WatchdogConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	Schedule   string        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	StaleAfter time.Duration `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// Default returns a configuration that runs fully in memory.
func Default() Config {
	return Config{
		Version: 1,
		Store:   StoreConfig{Driver: "memory", Table: "experiment_contexts", Prefix: "exp_context:"},
		Lock:    LockConfig{Driver: "memory", Prefix: "exp_lock:", TTL: lock.DefaultTTL, Wait: lock.DefaultWait},
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		Updates: UpdateConfig{
			MaxAttempts:   store.DefaultMaxAttempts,
			BackoffBase:   10 * time.Millisecond,
			BackoffFactor: 2,
			BackoffMax:    200 * time.Millisecond,
			BackoffJitter: 0.5,
		},
		Tasks:    TaskConfig{Workers: 4, Timeout: 10 * time.Minute},
		Notify:   NotifyConfig{Driver: "memory", History: 256, Event: "notification"},
		Watchdog: WatchdogConfig{Schedule: "@every 1m", StaleAfter: 30 * time.Minute},
		Logging:  LoggingConfig{Level: "info", Format: "console"},
		Metrics:  MetricsConfig{Namespace: "experiment"},
	}
}

// Parse decodes YAML (or JSON) over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks drivers and numeric bounds.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory", "redis":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("lock.driver %q is not supported", c.Lock.Driver))
	}
	if c.Lock.TTL < 0 || c.Lock.Wait < 0 {
		errs = append(errs, errors.New("lock.ttl and lock.wait must not be negative"))
	}

	if (c.Store.Driver == "redis" || c.Lock.Driver == "redis") && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when a redis driver is selected"))
	}

	if c.Updates.MaxAttempts < 1 {
		errs = append(errs, errors.New("updates.max_attempts must be at least 1"))
	}
	if j := c.Updates.BackoffJitter; j < 0 || j > 1 {
		errs = append(errs, fmt.Errorf("updates.backoff_jitter %v is outside [0, 1]", j))
	}
	if c.Tasks.Workers < 1 {
		errs = append(errs, errors.New("tasks.workers must be at least 1"))
	}
	if c.Tasks.MaxRetries < 0 {
		errs = append(errs, errors.New("tasks.max_retries must not be negative"))
	}

	switch c.Notify.Driver {
	case "memory":
	case "socketio":
		if c.Notify.URL == "" {
			errs = append(errs, errors.New("notify.url is required for driver socketio"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.driver %q is not supported", c.Notify.Driver))
	}

	if c.Watchdog.Enabled {
		if strings.TrimSpace(c.Watchdog.Schedule) == "" {
			errs = append(errs, errors.New("watchdog.schedule is required when the watchdog is enabled"))
		}
		if c.Watchdog.StaleAfter <= 0 {
			errs = append(errs, errors.New("watchdog.stale_after must be positive"))
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Backoff builds the pause used between CAS attempts. Only version
// conflicts wait.
func (u UpdateConfig) Backoff() runner.Backoff {
	if u.BackoffBase <= 0 {
		return runner.Immediate{}
	}
	return runner.Selective{
		Match: func(err error) bool { return errors.Is(err, store.ErrVersionConflict) },
		Backoff: runner.Exponential{
			Base: u.BackoffBase, Factor: u.BackoffFactor, Max: u.BackoffMax, Jitter: u.BackoffJitter,
		},
	}
}

// UpdaterOptions maps the section onto store updater options.
func (u UpdateConfig) UpdaterOptions() []store.UpdaterOption {
	return []store.UpdaterOption{
		store.WithMaxAttempts(u.MaxAttempts),
		store.WithBackoff(u.Backoff()),
	}
}

// RunnerOptions maps the section onto job handler options.
func (t TaskConfig) RunnerOptions() []runner.Option {
	var opts []runner.Option
	if t.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(t.Timeout))
	}
	if t.MaxRetries > 0 {
		opts = append(opts, runner.WithMaxRetries(t.MaxRetries))
	}
	return opts
}
