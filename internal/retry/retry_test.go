package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecideFixedDelay(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Policy{MaxRetries: 2, Delay: 30 * time.Second, Backoff: BackoffFixed}

	d := Decide(p, 1, now)
	assert.True(t, d.Retry)
	assert.Equal(t, 2, d.NextAttempt)
	assert.Equal(t, now.Add(30*time.Second), d.NextRetryAt)

	d = Decide(p, 2, now)
	assert.True(t, d.Retry)
	assert.Equal(t, 3, d.NextAttempt)
}

func TestDecideExhausted(t *testing.T) {
	now := time.Now().UTC()
	p := Policy{MaxRetries: 2, Delay: time.Second}

	d := Decide(p, 3, now)
	assert.False(t, d.Retry)
	assert.True(t, d.NextRetryAt.IsZero(), "terminal decision schedules nothing")
}

func TestDecideZeroRetriesIsImmediatelyTerminal(t *testing.T) {
	d := Decide(Policy{MaxRetries: 0, Delay: time.Second}, 1, time.Now().UTC())
	assert.False(t, d.Retry)
}

func TestExponentialBackoffGrowsWithJitter(t *testing.T) {
	now := time.Now().UTC()
	base := 10 * time.Second
	p := Policy{MaxRetries: 10, Delay: base, Backoff: BackoffExponential}

	for attempt := 1; attempt <= 4; attempt++ {
		d := Decide(p, attempt, now)
		assert.True(t, d.Retry)
		min := base * (1 << (attempt - 1))
		max := min + base
		wait := d.NextRetryAt.Sub(now)
		assert.GreaterOrEqual(t, wait, min, "attempt %d", attempt)
		assert.Less(t, wait, max, "attempt %d", attempt)
	}
}

func TestBackoffDelayDefaultsWhenUnset(t *testing.T) {
	d := Decide(Policy{MaxRetries: 1}, 1, time.Now().UTC())
	assert.True(t, d.Retry)
}
