// Package tasks runs block jobs and engine continuations in the background.
package tasks

import (
	"context"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/oklog/ulid/v2"
)

// Job describes background work submitted on behalf of a block. OnSuccess
// and OnError name the block actions the completion callbacks map to.
type Job struct {
	ID          string                      `json:"id"`
	Kind        string                      `json:"kind"`
	ExpID       string                      `json:"exp_id"`
	BlockUUID   string                      `json:"block_uuid"`
	Params      map[string]any              `json:"params,omitempty"`
	Inputs      map[string]experiment.Value `json:"inputs,omitempty"`
	OnSuccess   string                      `json:"on_success"`
	OnError     string                      `json:"on_error"`
	SubmittedAt time.Time                   `json:"submitted_at"`
}

// Result is what a job hands back. Cells and Labels carry sequences for
// jobs that generate iteration inputs.
type Result struct {
	Outputs map[string]experiment.Value   `json:"outputs,omitempty"`
	Cells   []map[string]experiment.Value `json:"cells,omitempty"`
	Labels  []string                      `json:"labels,omitempty"`
}

// Callbacks receive job outcomes.
type Callbacks interface {
	OnJobComplete(ctx context.Context, job Job, res Result) error
	OnJobFailed(ctx context.Context, job Job, cause error) error
}

// Runner is the asynchronous task runner the engine submits work to.
type Runner interface {
	// Submit queues job and returns its id without waiting for it to run.
	Submit(ctx context.Context, job Job) (string, error)
	// Revoke cancels a job best-effort; a revoked job never calls back.
	Revoke(ctx context.Context, jobID string) error
	// Defer schedules an engine continuation such as a scope re-run.
	Defer(ctx context.Context, name string, fn func(context.Context) error)
	// Known reports whether jobID is queued or running.
	Known(jobID string) bool
}

// JobHandler executes one job kind.
type JobHandler func(ctx context.Context, job Job) (Result, error)

// NewJobID returns a sortable unique job id.
func NewJobID() string {
	return ulid.Make().String()
}

func prepare(job Job) Job {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	return job
}
