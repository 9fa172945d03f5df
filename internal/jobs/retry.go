package jobs

import (
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
)

// RetryPolicy decides the due date of a job after a failed attempt.
type RetryPolicy interface {
	// NextDueDate returns the due date for the next attempt. failures is
	// the number of failed attempts so far, including this one.
	NextDueDate(job *Job, now time.Time, failures int, cause error) time.Time
}

// ImmediateRetry leaves the due date unchanged, so a failed job can be
// acquired again on the next cycle.
type ImmediateRetry struct{}

// NextDueDate returns the job's current due date.
func (ImmediateRetry) NextDueDate(job *Job, _ time.Time, _ int, _ error) time.Time {
	return job.DueDate()
}

// ExponentialBackoff postpones each retry by a growing delay.
type ExponentialBackoff struct {
	Strategy backoff.Strategy
}

// NewExponentialBackoff returns a policy doubling from base up to max with
// full jitter.
func NewExponentialBackoff(base, max time.Duration) ExponentialBackoff {
	return ExponentialBackoff{
		Strategy: backoff.WithTransforms(
			backoff.Exponential(base),
			linger.FullJitter,
			linger.Limiter(0, max),
		),
	}
}

// NextDueDate returns now plus the strategy's delay for this failure.
func (p ExponentialBackoff) NextDueDate(_ *Job, now time.Time, failures int, cause error) time.Time {
	n := uint(0)
	if failures > 0 {
		n = uint(failures - 1)
	}
	return now.Add(p.Strategy(cause, n))
}
