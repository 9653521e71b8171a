package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/metrics"
	"github.com/goliatone/go-experiment/runner"
	"github.com/sourcegraph/conc/pool"
)

// LocalRunner executes jobs and continuations on a bounded worker pool.
type LocalRunner struct {
	mu        sync.Mutex
	handlers  map[string]JobHandler
	inflight  map[string]*inflightJob
	callbacks Callbacks

	pool        *pool.Pool
	idleMu      sync.Mutex
	pending     int
	idle        chan struct{}
	handlerOpts []runner.Option
	logger      experiment.Logger
	recorder    metrics.Recorder
	panics      func(funcName string, fields ...map[string]any)
}

type inflightJob struct {
	cancel  context.CancelFunc
	revoked bool
}

// LocalOption configures a LocalRunner.
type LocalOption func(*LocalRunner)

// WithHandlerOptions sets timeout and retry behaviour applied to every job.
func WithHandlerOptions(opts ...runner.Option) LocalOption {
	return func(r *LocalRunner) {
		r.handlerOpts = append(r.handlerOpts, opts...)
	}
}

func WithLogger(l experiment.Logger) LocalOption {
	return func(r *LocalRunner) {
		r.logger = l
	}
}

func WithRecorder(m metrics.Recorder) LocalOption {
	return func(r *LocalRunner) {
		r.recorder = m
	}
}

// NewLocalRunner creates a runner with at most workers concurrent tasks.
func NewLocalRunner(workers int, opts ...LocalOption) *LocalRunner {
	if workers <= 0 {
		workers = 4
	}
	r := &LocalRunner{
		handlers: make(map[string]JobHandler),
		inflight: make(map[string]*inflightJob),
		pool:     pool.New().WithMaxGoroutines(workers),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = experiment.NormalizeLogger(r.logger)
	r.recorder = metrics.Normalize(r.recorder)
	r.panics = experiment.MakePanicHandler(experiment.LoggerPanicHandler(r.logger))
	return r
}

// Handle registers the handler for a job kind.
func (r *LocalRunner) Handle(kind string, h JobHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("job handler %s already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// SetCallbacks wires the completion target.
func (r *LocalRunner) SetCallbacks(cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
}

func (r *LocalRunner) Submit(ctx context.Context, job Job) (string, error) {
	job = prepare(job)
	r.mu.Lock()
	if _, ok := r.handlers[job.Kind]; !ok {
		r.mu.Unlock()
		return "", experiment.NewError(experiment.ErrAsyncJob,
			fmt.Sprintf("no handler registered for job kind %q", job.Kind), nil,
			map[string]any{"job_kind": job.Kind})
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.inflight[job.ID] = &inflightJob{cancel: cancel}
	r.mu.Unlock()

	r.spawn(func() { r.run(jobCtx, job) })
	return job.ID, nil
}

func (r *LocalRunner) Revoke(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.inflight[jobID]; ok {
		job.revoked = true
		job.cancel()
	}
	return nil
}

func (r *LocalRunner) Defer(ctx context.Context, name string, fn func(context.Context) error) {
	base := context.WithoutCancel(ctx)
	r.spawn(func() {
		defer r.panics("continuation:"+name, map[string]any{"continuation": name})
		if err := fn(base); err != nil {
			r.logger.Error("continuation %s failed: %v", name, err)
		}
	})
}

func (r *LocalRunner) Known(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[jobID]
	return ok
}

// WaitIdle blocks until no job or continuation is queued or running.
func (r *LocalRunner) WaitIdle(ctx context.Context) error {
	for {
		r.idleMu.Lock()
		if r.pending == 0 {
			r.idleMu.Unlock()
			return nil
		}
		idle := r.idle
		r.idleMu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Close waits for queued work and stops the pool.
func (r *LocalRunner) Close(ctx context.Context) error {
	if err := r.WaitIdle(ctx); err != nil {
		return err
	}
	r.pool.Wait()
	return nil
}

// spawn never blocks the caller; the pool bounds concurrency.
func (r *LocalRunner) spawn(fn func()) {
	r.idleMu.Lock()
	r.pending++
	if r.pending == 1 {
		r.idle = make(chan struct{})
	}
	r.idleMu.Unlock()
	go r.pool.Go(func() {
		defer r.done()
		fn()
	})
}

func (r *LocalRunner) done() {
	r.idleMu.Lock()
	defer r.idleMu.Unlock()
	r.pending--
	if r.pending == 0 {
		close(r.idle)
	}
}

func (r *LocalRunner) run(ctx context.Context, job Job) {
	start := time.Now()
	r.mu.Lock()
	handler := r.handlers[job.Kind]
	callbacks := r.callbacks
	r.mu.Unlock()

	logger := experiment.WithLoggerFields(r.logger, map[string]any{
		"job_id": job.ID, "job_kind": job.Kind, "exp_id": job.ExpID, "block_uuid": job.BlockUUID,
	})

	var res Result
	err := runner.NewHandler(r.handlerOpts...).Run(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = runner.Permanent(experiment.RecoverError(rec))
			}
		}()
		res, err = handler(ctx, job)
		return err
	})

	r.mu.Lock()
	entry := r.inflight[job.ID]
	delete(r.inflight, job.ID)
	r.mu.Unlock()
	if entry != nil {
		entry.cancel()
		if entry.revoked {
			logger.Info("job revoked")
			r.recorder.RecordJob(job.Kind, "revoked", time.Since(start))
			return
		}
	}

	if callbacks == nil {
		logger.Warn("job finished with no callbacks configured")
		return
	}

	base := context.WithoutCancel(ctx)
	if err != nil {
		r.recorder.RecordJob(job.Kind, "failed", time.Since(start))
		cause := experiment.NewError(experiment.ErrAsyncJob, fmt.Sprintf("job %s (%s) failed: %v", job.ID, job.Kind, err), err,
			map[string]any{"job_id": job.ID, "job_kind": job.Kind})
		if cbErr := callbacks.OnJobFailed(base, job, cause); cbErr != nil {
			logger.Error("job failure callback: %v", cbErr)
		}
		return
	}
	r.recorder.RecordJob(job.Kind, "ok", time.Since(start))
	if cbErr := callbacks.OnJobComplete(base, job, res); cbErr != nil {
		logger.Error("job completion callback: %v", cbErr)
	}
}
