package runner

import (
	"time"

	experiment "github.com/goliatone/go-experiment"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max < 0 {
			max = 0
		}
		r.maxRetries = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l experiment.Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithBackoff sets the pause between retries.
func WithBackoff(b Backoff) Option {
	return func(r *Handler) {
		r.backoff = b
	}
}
