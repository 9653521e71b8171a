// Package metrics instruments block actions, scope dispatch, context
// conflicts, lock waits and jobs.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives engine measurements.
type Recorder interface {
	RecordAction(kind, action, outcome string, d time.Duration)
	RecordDispatch(outcome string)
	RecordConflict(attempt int)
	RecordLockWait(d time.Duration, acquired bool)
	RecordJob(jobKind, outcome string, d time.Duration)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordAction(string, string, string, time.Duration) {}
func (Nop) RecordDispatch(string)                              {}
func (Nop) RecordConflict(int)                                 {}
func (Nop) RecordLockWait(time.Duration, bool)                 {}
func (Nop) RecordJob(string, string, time.Duration)            {}

// Normalize returns r or Nop when r is nil.
func Normalize(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Prometheus records into prometheus collectors registered on a registerer.
type Prometheus struct {
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	dispatches     *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	lockWait       *prometheus.HistogramVec
	jobs           *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
}

// NewPrometheus registers collectors on reg (prometheus.DefaultRegisterer when nil).
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "experiment"
	}
	factory := promauto.With(reg)
	return &Prometheus{
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_action_total",
			Help:      "Block actions applied, by kind, action and outcome.",
		}, []string{"kind", "action", "outcome"}),
		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_action_duration_seconds",
			Help:      "Time spent applying a block action.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "action"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_run_total",
			Help:      "Scope runner passes, by outcome (dispatched, converged, waiting, cycle).",
		}, []string{"outcome"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_conflict_total",
			Help:      "Context compare-and-swap conflicts, by attempt number.",
		}, []string{"attempt"}),
		lockWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for block leases.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"acquired"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_total",
			Help:      "Background jobs finished, by job kind and outcome.",
		}, []string{"job_kind", "outcome"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Background job run time.",
			Buckets:   []float64{.01, .1, .5, 1, 5, 30, 60, 300, 1200},
		}, []string{"job_kind"}),
	}
}

func (p *Prometheus) RecordAction(kind, action, outcome string, d time.Duration) {
	p.actions.WithLabelValues(kind, action, outcome).Inc()
	p.actionDuration.WithLabelValues(kind, action).Observe(d.Seconds())
}

func (p *Prometheus) RecordDispatch(outcome string) {
	p.dispatches.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) RecordConflict(attempt int) {
	p.conflicts.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (p *Prometheus) RecordLockWait(d time.Duration, acquired bool) {
	p.lockWait.WithLabelValues(strconv.FormatBool(acquired)).Observe(d.Seconds())
}

func (p *Prometheus) RecordJob(jobKind, outcome string, d time.Duration) {
	p.jobs.WithLabelValues(jobKind, outcome).Inc()
	p.jobDuration.WithLabelValues(jobKind).Observe(d.Seconds())
}
