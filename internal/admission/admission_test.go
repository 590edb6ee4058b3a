package admission

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmitUpToLimit(t *testing.T) {
	c := NewController()

	assert.NoError(t, c.Admit("t1", 2))
	assert.NoError(t, c.Admit("t1", 2))
	assert.ErrorIs(t, c.Admit("t1", 2), ErrQuotaExceeded)
	assert.Equal(t, 2, c.Active("t1"))

	c.Release("t1")
	assert.NoError(t, c.Admit("t1", 2))
}

func TestAdmitUnlimitedWhenZero(t *testing.T) {
	c := NewController()
	for i := 0; i < 100; i++ {
		assert.NoError(t, c.Admit("t1", 0))
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	c := NewController()
	assert.NoError(t, c.Admit("t1", 1))
	assert.NoError(t, c.Admit("t2", 1))
	assert.ErrorIs(t, c.Admit("t1", 1), ErrQuotaExceeded)
}

func TestReleaseClampsAtZero(t *testing.T) {
	c := NewController()
	c.Release("t1")
	assert.Equal(t, 0, c.Active("t1"))
}

// The quota invariant must hold under concurrent admits and releases:
// at no point may more than limit admissions be outstanding.
func TestConcurrentAdmitNeverExceedsQuota(t *testing.T) {
	const limit = 4
	const workers = 32
	c := NewController()

	var mu sync.Mutex
	outstanding, peak := 0, 0

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := c.Admit("t1", limit); err != nil {
					if !errors.Is(err, ErrQuotaExceeded) {
						t.Errorf("unexpected error: %v", err)
						return
					}
					continue
				}
				mu.Lock()
				outstanding++
				if outstanding > peak {
					peak = outstanding
				}
				mu.Unlock()

				if rand.Intn(2) == 0 {
					// hold briefly before releasing
					for j := 0; j < 10; j++ {
						_ = c.Active("t1")
					}
				}

				mu.Lock()
				outstanding--
				mu.Unlock()
				c.Release("t1")
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, limit, "quota exceeded under concurrency")
	assert.Equal(t, 0, c.Active("t1"))
}
