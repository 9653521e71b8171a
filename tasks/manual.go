package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	experiment "github.com/goliatone/go-experiment"
)

// ManualRunner records submitted jobs and queued continuations and runs
// them only when asked. Tests and the CLI use it to step an experiment
// deterministically.
type ManualRunner struct {
	mu        sync.Mutex
	callbacks Callbacks
	handlers  map[string]JobHandler
	pending   []Job
	revoked   map[string]bool
	deferred  []deferredFn
	submitted int
}

type deferredFn struct {
	name string
	fn   func(context.Context) error
}

// MaxDrainSteps bounds Drain so a feedback loop cannot spin forever.
const MaxDrainSteps = 10_000

func NewManualRunner() *ManualRunner {
	return &ManualRunner{
		handlers: make(map[string]JobHandler),
		revoked:  make(map[string]bool),
	}
}

func (m *ManualRunner) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

// Handle registers a handler Drain uses to run jobs of kind.
func (m *ManualRunner) Handle(kind string, h JobHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

func (m *ManualRunner) Submit(_ context.Context, job Job) (string, error) {
	job = prepare(job)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, job)
	m.submitted++
	return job.ID, nil
}

func (m *ManualRunner) Revoke(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, job := range m.pending {
		if job.ID == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.revoked[jobID] = true
			break
		}
	}
	return nil
}

func (m *ManualRunner) Defer(_ context.Context, name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred = append(m.deferred, deferredFn{name: name, fn: fn})
}

func (m *ManualRunner) Known(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.pending {
		if job.ID == jobID {
			return true
		}
	}
	return false
}

// Pending returns queued jobs in submission order.
func (m *ManualRunner) Pending() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.pending...)
}

// Submitted counts every job ever submitted.
func (m *ManualRunner) Submitted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted
}

// Revoked reports whether jobID was revoked while still queued.
func (m *ManualRunner) Revoked(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jobID]
}

// DeferredCount reports how many continuations are queued.
func (m *ManualRunner) DeferredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}

// Find returns the first pending job for a block.
func (m *ManualRunner) Find(blockUUID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.pending {
		if job.BlockUUID == blockUUID {
			return job, true
		}
	}
	return Job{}, false
}

// Complete removes a pending job and reports success to the callbacks.
// Reporting a job that is not pending still reaches the callbacks, which
// is how tests replay duplicate or late completions.
func (m *ManualRunner) Complete(ctx context.Context, job Job, res Result) error {
	cb, err := m.take(job.ID)
	if err != nil {
		return err
	}
	return cb.OnJobComplete(ctx, job, res)
}

// Fail removes a pending job and reports cause to the callbacks.
func (m *ManualRunner) Fail(ctx context.Context, job Job, cause error) error {
	cb, err := m.take(job.ID)
	if err != nil {
		return err
	}
	return cb.OnJobFailed(ctx, job, cause)
}

func (m *ManualRunner) take(jobID string) (Callbacks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, job := range m.pending {
		if job.ID == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	if m.callbacks == nil {
		return nil, errors.New("manual runner has no callbacks")
	}
	return m.callbacks, nil
}

// RunDeferred runs queued continuations, including ones they queue, until
// none remain.
func (m *ManualRunner) RunDeferred(ctx context.Context) error {
	var errs []error
	for steps := 0; steps < MaxDrainSteps; steps++ {
		m.mu.Lock()
		if len(m.deferred) == 0 {
			m.mu.Unlock()
			return errors.Join(errs...)
		}
		next := m.deferred[0]
		m.deferred = m.deferred[1:]
		m.mu.Unlock()

		if err := next.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", next.name, err))
		}
	}
	errs = append(errs, fmt.Errorf("continuations still queued after %d steps", MaxDrainSteps))
	return errors.Join(errs...)
}

// Drain alternates between continuations and pending jobs, running jobs
// through registered handlers, until nothing is left.
func (m *ManualRunner) Drain(ctx context.Context) error {
	var errs []error
	for steps := 0; steps < MaxDrainSteps; steps++ {
		if err := m.RunDeferred(ctx); err != nil {
			errs = append(errs, err)
		}

		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return errors.Join(errs...)
		}
		job := m.pending[0]
		handler, ok := m.handlers[job.Kind]
		m.mu.Unlock()

		if !ok {
			errs = append(errs, fmt.Errorf("no handler for job kind %q", job.Kind))
			return errors.Join(errs...)
		}

		res, err := handler(ctx, job)
		if err != nil {
			cause := experiment.NewError(experiment.ErrAsyncJob, fmt.Sprintf("job %s (%s) failed: %v", job.ID, job.Kind, err), err,
				map[string]any{"job_id": job.ID, "job_kind": job.Kind})
			err = m.Fail(ctx, job, cause)
		} else {
			err = m.Complete(ctx, job, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, fmt.Errorf("work still queued after %d steps", MaxDrainSteps))
	return errors.Join(errs...)
}

var (
	_ Runner = (*LocalRunner)(nil)
	_ Runner = (*ManualRunner)(nil)
)
