package cron

import (
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// State is where a Schedule is in its lifecycle.
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateIdle      State = "idle"
	StateFailed    State = "failed"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateStopped   State = "stopped"
)

// Stats tallies the runs of a Schedule.
type Stats struct {
	Runs     int
	Failures int
	LastRun  time.Time
	LastErr  error
}

// Schedule is one task registered on a Scheduler. A recurring schedule
// stays live after a failed run; a one-shot schedule ends with its run.
type Schedule struct {
	name    string
	oneShot bool
	entry   rcron.EntryID
	owner   *Scheduler
	done    chan struct{}

	mu    sync.Mutex
	state State
	stats Stats
}

func newSchedule(owner *Scheduler, name string, oneShot bool) *Schedule {
	return &Schedule{
		name:    name,
		oneShot: oneShot,
		owner:   owner,
		done:    make(chan struct{}),
		state:   StateScheduled,
	}
}

func (s *Schedule) Name() string { return s.name }

func (s *Schedule) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the error of the last run, nil after a successful one.
func (s *Schedule) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.LastErr
}

func (s *Schedule) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Done is closed once the schedule can no longer run.
func (s *Schedule) Done() <-chan struct{} { return s.done }

// Cancel removes the schedule from its scheduler. A run already in
// progress finishes.
func (s *Schedule) Cancel() {
	if s.end(StateCancelled) && s.owner != nil {
		s.owner.forget(s)
	}
}

// begin claims a run, reporting false when the schedule has ended.
func (s *Schedule) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended() {
		return false
	}
	s.state = StateRunning
	return true
}

// record stores the outcome of a run started with begin.
func (s *Schedule) record(err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Runs++
	s.stats.LastRun = at
	s.stats.LastErr = err
	if err != nil {
		s.stats.Failures++
	}
	if s.ended() {
		return
	}
	switch {
	case err != nil:
		s.state = StateFailed
	case s.oneShot:
		s.state = StateDone
	default:
		s.state = StateIdle
	}
	if s.oneShot {
		close(s.done)
	}
}

// end moves a live schedule to state and closes Done. It reports whether
// this call ended it.
func (s *Schedule) end(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended() {
		return false
	}
	s.state = state
	close(s.done)
	return true
}

func (s *Schedule) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
