// Package admission gates new executions against tenant concurrency
// quotas. Each tenant has a single live counter of executions in
// {queued, running}; the check-and-increment is done under one lock so
// concurrent submissions cannot both squeeze past the quota.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mkrell/foreman/internal/store"
)

// ErrQuotaExceeded is returned when a tenant is at its concurrent
// execution limit. Callers decide whether to retry later; the core never
// queues past the quota.
var ErrQuotaExceeded = errors.New("tenant concurrency quota exceeded")

// Controller tracks per-tenant active execution counts.
type Controller struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{counts: make(map[string]int)}
}

// Seed loads the current queued+running counts from the store. Called
// once at startup before any loop runs.
func (c *Controller) Seed(ctx context.Context, s store.Store) error {
	counts, err := s.CountActiveExecutions(ctx)
	if err != nil {
		return fmt.Errorf("seed admission counters: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for tenant, n := range counts {
		c.counts[tenant] = n
	}
	return nil
}

// Admit atomically checks the tenant's count against limit and
// increments it. Returns ErrQuotaExceeded without incrementing when the
// tenant is at the limit.
func (c *Controller) Admit(tenantID string, limit int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && c.counts[tenantID] >= limit {
		return ErrQuotaExceeded
	}
	c.counts[tenantID]++
	return nil
}

// Release decrements the tenant's count when an execution leaves
// {queued, running}. Releasing below zero clamps; a double release is a
// bug upstream but must not poison the counter.
func (c *Controller) Release(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[tenantID] > 0 {
		c.counts[tenantID]--
	}
}

// Active returns the tenant's current count.
func (c *Controller) Active(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tenantID]
}
