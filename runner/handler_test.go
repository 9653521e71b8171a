package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	experiment "github.com/goliatone/go-experiment"
)

func TestHandler_NoError_NoRetries(t *testing.T) {
	h := NewHandler()

	cf := countingFunc{failUntil: 0}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cf.calls != 1 {
		t.Errorf("expected calls=1, got %d", cf.calls)
	}
	if runs, ok := h.Stats(); runs != 1 || ok != 1 {
		t.Errorf("expected 1 run and 1 success, got %d/%d", runs, ok)
	}
}

func TestHandler_SuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler(WithMaxRetries(3))

	cf := countingFunc{failUntil: 1}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cf.calls != 2 {
		t.Errorf("expected calls=2, got %d", cf.calls)
	}
	if _, ok := h.Stats(); ok != 1 {
		t.Errorf("expected successfulRuns=1, got %d", ok)
	}
}

func TestHandler_AllAttemptsFail(t *testing.T) {
	var reported []error
	h := NewHandler(WithMaxRetries(2), WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))

	cf := countingFunc{failUntil: 5}
	err := h.Run(context.Background(), cf.fn)
	if err == nil {
		t.Fatal("expected final error")
	}

	if cf.calls != 3 {
		t.Errorf("expected calls=3 (1 initial + 2 retries), got %d", cf.calls)
	}
	if _, ok := h.Stats(); ok != 0 {
		t.Errorf("successfulRuns should remain 0 for all fail, got %d", ok)
	}
	if len(reported) != 3 {
		t.Errorf("expected 2 retry reports and 1 final report, got %d", len(reported))
	}
}

func TestHandler_PermanentErrorStopsRetries(t *testing.T) {
	h := NewHandler(WithMaxRetries(5))

	calls := 0
	err := h.Run(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("bad payload"))
	})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := NewHandler(
		WithTimeout(50*time.Millisecond),
		WithMaxRetries(0),
	)

	start := time.Now()
	err := h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if elapsed >= 500*time.Millisecond {
		t.Error("expected function to time out quickly, but took too long")
	}
}

func TestHandler_Deadline(t *testing.T) {
	h := NewHandler(WithDeadline(time.Now().Add(50 * time.Millisecond)))

	start := time.Now()
	_ = h.Run(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	})

	if time.Since(start) >= 500*time.Millisecond {
		t.Error("expected function to stop at deadline, but took too long")
	}
	if _, ok := h.Stats(); ok != 0 {
		t.Errorf("expected 0 successful runs, got %d", ok)
	}
}

func TestHandler_BackoffHonoursContext(t *testing.T) {
	h := NewHandler(
		WithMaxRetries(3),
		WithBackoff(Exponential{Base: time.Second, Factor: 2}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := h.Run(ctx, func(context.Context) error { return errors.New("boom") })
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("expected backoff sleep to be interrupted by context")
	}
}

func TestHandler_Concurrency(t *testing.T) {
	h := NewHandler(WithMaxRetries(1))
	wg := sync.WaitGroup{}
	const goroutines = 10

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cf := &countingFunc{failUntil: 1}
			_ = h.Run(context.Background(), cf.fn)
		}()
	}
	wg.Wait()

	runs, ok := h.Stats()
	if runs != goroutines {
		t.Errorf("expected runs=%d, got %d", goroutines, runs)
	}
	if ok != goroutines {
		t.Errorf("expected successfulRuns=%d, got %d", goroutines, ok)
	}
}

type countingFunc struct {
	calls     int
	failUntil int // fail this many times, then succeed
}

func (cf *countingFunc) fn(_ context.Context) error {
	cf.calls++
	if cf.calls <= cf.failUntil {
		return fmt.Errorf("forced error attempt %d", cf.calls)
	}
	return nil
}

func TestHandler_LogsRetries(t *testing.T) {
	buf := &bytes.Buffer{}
	h := NewHandler(WithMaxRetries(1), WithLogger(experiment.NewFmtLogger(buf)))

	cf := countingFunc{failUntil: 1}
	if err := h.Run(context.Background(), cf.fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "retrying after attempt 1 failed") {
		t.Fatalf("expected retry line, got %q", out)
	}
	if strings.Contains(out, "%!") {
		t.Fatalf("log line has unformatted arguments: %q", out)
	}
}
