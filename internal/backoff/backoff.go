// Package backoff computes retry delays for failed jobs. Strategies are
// stateless and safe for concurrent use.
package backoff

import (
	"math"
	"time"
)

// Strategy computes the delay before a job becomes eligible again after
// its n-th failed attempt (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt: Base * 2^(attempt-1),
// capped at Max when Max > 0.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func NewExponential(base, max time.Duration) *Exponential {
	return &Exponential{Base: base, Max: max}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant { return &Constant{Interval: interval} }

func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Default is the queue's retry curve: 2 minutes after the first failure,
// doubling per attempt (2m, 4m, 8m, ...), uncapped since max_attempts
// bounds total retries.
func Default() Strategy {
	return NewExponential(2*time.Minute, 0)
}
