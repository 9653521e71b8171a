package runner

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff picks the pause before retrying after a failed attempt. Attempts
// count from 0.
type Backoff interface {
	Delay(attempt int, err error) time.Duration
}

// Immediate retries without pausing.
type Immediate struct{}

func (Immediate) Delay(int, error) time.Duration { return 0 }

// Exponential multiplies Base by Factor for every attempt, capped at Max
// when Max is set. Jitter in (0, 1] shaves a random fraction of up to that
// size off each delay so writers that collided on the same context version
// spread their retries apart.
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

func (e Exponential) Delay(attempt int, _ error) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(e.Base) * math.Pow(factor, float64(max(attempt, 0)))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if j := min(e.Jitter, 1); j > 0 {
		r := e.Rand
		if r == nil {
			r = rand.Float64
		}
		d -= d * j * r()
	}
	return time.Duration(d)
}

// Selective applies Backoff only to errors Match accepts and retries any
// other error at once.
type Selective struct {
	Match   func(error) bool
	Backoff Backoff
}

func (s Selective) Delay(attempt int, err error) time.Duration {
	if s.Backoff == nil || (s.Match != nil && !s.Match(err)) {
		return 0
	}
	return s.Backoff.Delay(attempt, err)
}
