package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	experiment "github.com/goliatone/go-experiment"
)

// Handler runs a function with timeout, deadline and retry settings.
type Handler struct {
	mu sync.Mutex

	logger       experiment.Logger
	errorHandler func(error)
	backoff      Backoff

	runs           int
	successfulRuns int

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler from various options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler: func(error) {},
		backoff:      Immediate{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	h.logger = experiment.NormalizeLogger(h.logger)
	return h
}

// Run calls fn until it succeeds or the retry budget is spent, and returns
// the last error. Errors marked with Permanent are not retried.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	maxRetries := h.maxRetries
	backoff := h.backoff
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			break
		}
		if IsPermanent(err) || ctx.Err() != nil {
			break
		}

		if attempt < maxRetries {
			h.errorHandler(fmt.Errorf("attempt %d of %d failed: %w", attempt+1, maxRetries+1, err))
			h.logger.Debug("retrying after attempt %d failed: %v", attempt+1, err)

			if backoff != nil {
				if delay := backoff.Delay(attempt, err); delay > 0 {
					if sleepErr := Sleep(ctx, delay); sleepErr != nil {
						err = errors.Join(err, sleepErr)
						break
					}
				}
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs++
	if err == nil {
		h.successfulRuns++
		return nil
	}
	h.errorHandler(err)
	return err
}

// Stats reports total and successful runs.
func (h *Handler) Stats() (runs, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so Run stops retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
