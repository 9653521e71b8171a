// Package cron runs recurring engine maintenance, such as the job watchdog,
// on cron expressions.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/runner"
	rcron "github.com/robfig/cron/v3"
)

// Task is one scheduled unit of work.
type Task func(ctx context.Context) error

// ScheduleOptions tunes how a task run is executed.
type ScheduleOptions struct {
	Name       string
	Timeout    time.Duration
	MaxRetries int
}

// Scheduler wraps robfig/cron and tracks the schedules registered on it.
type Scheduler struct {
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger   experiment.Logger
	parser   Parser
	logLevel LogLevel
	base     context.Context

	mu        sync.Mutex
	seq       int
	schedules map[*Schedule]struct{}
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location:  time.Local,
		parser:    DefaultParser,
		logLevel:  LogLevelError,
		base:      context.Background(),
		schedules: make(map[*Schedule]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = experiment.NormalizeLogger(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled task failed: %v", err)
		}
	}
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs task every time expr fires. A tick that arrives while
// the previous run is still going is skipped.
func (s *Scheduler) ScheduleCron(expr string, opts ScheduleOptions, task Task) (*Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if task == nil {
		return nil, fmt.Errorf("cron task cannot be nil")
	}

	sched := s.register(opts.Name, false)
	chain := rcron.NewChain(rcron.SkipIfStillRunning(s.cronLogger()))
	entry, err := s.cron.AddJob(expr, chain.Then(rcron.FuncJob(func() { s.fire(sched, opts, task) })))
	if err != nil {
		s.forget(sched)
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	s.mu.Lock()
	sched.entry = entry
	s.mu.Unlock()
	return sched, nil
}

// ScheduleAfter runs task once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, opts ScheduleOptions, task Task) (*Schedule, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	sched := s.register(opts.Name, true)
	go func() {
		timer := time.NewTimer(max(delay, 0))
		defer timer.Stop()
		select {
		case <-timer.C:
			s.fire(sched, opts, task)
			s.forget(sched)
		case <-sched.Done():
		}
	}()
	return sched, nil
}

// Schedules returns the live schedules.
func (s *Scheduler) Schedules() []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for sched := range s.schedules {
		out = append(out, sched)
	}
	return out
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the cron loop, ends every live schedule and waits for running
// jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	for _, sched := range s.Schedules() {
		if sched.end(StateStopped) {
			s.forget(sched)
		}
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(sched *Schedule, opts ScheduleOptions, task Task) {
	if !sched.begin() {
		return
	}
	err := s.run(opts, task)
	sched.record(err, time.Now())
	if err != nil {
		s.errorHandler(fmt.Errorf("%s: %w", sched.Name(), err))
	}
}

func (s *Scheduler) run(opts ScheduleOptions, task Task) error {
	runnerOpts := []runner.Option{
		runner.WithLogger(s.logger),
		runner.WithMaxRetries(opts.MaxRetries),
	}
	if opts.Timeout > 0 {
		runnerOpts = append(runnerOpts, runner.WithTimeout(opts.Timeout))
	}
	return runner.NewHandler(runnerOpts...).Run(s.base, func(ctx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = runner.Permanent(experiment.RecoverError(rec))
			}
		}()
		return task(ctx)
	})
}

func (s *Scheduler) register(name string, oneShot bool) *Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if name == "" {
		name = fmt.Sprintf("task-%d", s.seq)
	}
	sched := newSchedule(s, name, oneShot)
	s.schedules[sched] = struct{}{}
	return sched
}

func (s *Scheduler) forget(sched *Schedule) {
	s.mu.Lock()
	_, ok := s.schedules[sched]
	delete(s.schedules, sched)
	entry := sched.entry
	s.mu.Unlock()
	if ok && entry > 0 {
		s.cron.Remove(entry)
	}
}

func (s *Scheduler) cronLogger() rcron.Logger {
	return &loggerAdapter{logger: s.logger, level: s.logLevel}
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := []rcron.Option{rcron.WithLogger(s.cronLogger())}
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	opts = append(opts, rcron.WithChain(
		rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
	))
	return opts
}
