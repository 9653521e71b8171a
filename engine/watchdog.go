package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/cron"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/tasks"
	"golang.org/x/sync/errgroup"
)

// DefaultStaleAfter is how long a working block may wait on a job the
// runner no longer knows before the watchdog fails it.
const DefaultStaleAfter = 30 * time.Minute

// Watchdog fails blocks whose job was lost, e.g. across a process restart.
type Watchdog struct {
	engine     *Engine
	staleAfter time.Duration
	limit      int
}

// NewWatchdog creates a watchdog over engine.
func NewWatchdog(e *Engine, staleAfter time.Duration) *Watchdog {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Watchdog{engine: e, staleAfter: staleAfter, limit: 4}
}

// Sweep checks every stored experiment and returns how many blocks it
// failed.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	ids, err := w.engine.Experiments(ctx)
	if err != nil {
		return 0, err
	}
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.limit)
	for _, id := range ids {
		g.Go(func() error {
			n, err := w.sweepExperiment(gctx, id)
			failed.Add(int64(n))
			return err
		})
	}
	err = g.Wait()
	return int(failed.Load()), err
}

func (w *Watchdog) sweepExperiment(ctx context.Context, expID string) (int, error) {
	e := w.engine
	snap, err := e.load(ctx, expID)
	if experiment.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	now := e.now()
	n := 0
	for _, b := range snap.Blocks {
		if b.Job == nil || e.Status(b) != fsm.StatusWorking {
			continue
		}
		if e.runner.Known(b.Job.ID) || now.Sub(b.Job.StartedAt) < w.staleAfter {
			continue
		}
		job := tasks.Job{
			ID:        b.Job.ID,
			Kind:      b.Job.Kind,
			ExpID:     expID,
			BlockUUID: b.UUID,
			OnSuccess: b.Job.OnSuccess,
			OnError:   b.Job.OnError,
		}
		cause := experiment.NewError(experiment.ErrAsyncJob,
			fmt.Sprintf("job %s lost after %s", b.Job.ID, now.Sub(b.Job.StartedAt).Round(time.Second)), nil,
			map[string]any{"job_id": b.Job.ID, "block_uuid": b.UUID})
		e.blockLogger(b).Warn("failing block with lost job %s", b.Job.ID)
		if err := e.OnJobFailed(ctx, job, cause); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Schedule registers the sweep on scheduler under expr.
func (w *Watchdog) Schedule(scheduler *cron.Scheduler, expr string) (*cron.Schedule, error) {
	return scheduler.ScheduleCron(expr, cron.ScheduleOptions{Name: "watchdog", Timeout: time.Minute}, func(ctx context.Context) error {
		n, err := w.Sweep(ctx)
		if n > 0 {
			w.engine.logger.Info("watchdog failed %d stale blocks", n)
		}
		return err
	})
}
