// Package retry decides what happens to failed work: schedule another
// attempt after a delay, or declare the failure terminal. The same
// decision applies to queue items and job executions, parameterized by
// the owning queue's or job's policy.
package retry

import (
	"math/rand"
	"time"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Policy is the retry configuration carried by a queue or job.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    string
}

// Decision is the outcome for one failure.
type Decision struct {
	// Retry is false when the attempt budget is exhausted and the entity
	// must go terminal.
	Retry       bool
	NextAttempt int
	NextRetryAt time.Time
}

// Decide evaluates the policy for a failure of the given attempt (1-based
// count of attempts made so far, including the one that just failed).
func Decide(p Policy, attemptCount int, now time.Time) Decision {
	if attemptCount > p.MaxRetries {
		return Decision{Retry: false, NextAttempt: attemptCount}
	}
	return Decision{
		Retry:       true,
		NextAttempt: attemptCount + 1,
		NextRetryAt: now.Add(backoffDelay(p, attemptCount)),
	}
}

// backoffDelay computes the wait before the next attempt. Exponential
// doubles per attempt with up to one base delay of jitter to spread
// synchronized retries.
func backoffDelay(p Policy, attemptCount int) time.Duration {
	base := p.Delay
	if base <= 0 {
		base = time.Second
	}
	if p.Backoff != BackoffExponential {
		return base
	}
	shift := attemptCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	delay := base * (1 << shift)
	jitter := time.Duration(rand.Int63n(int64(base)))
	return delay + jitter
}
