// Package queue implements the QueueItem state machine: enqueue, lease,
// and the completion/failure acks, with lease bookkeeping carried on the
// item row and every write guarded by compare-and-swap.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkrell/foreman/internal/events"
	"github.com/mkrell/foreman/internal/model"
	"github.com/mkrell/foreman/internal/retry"
	"github.com/mkrell/foreman/internal/store"
)

var (
	// ErrNotAccepting is returned when enqueueing into a paused or
	// stopped queue. The caller must not retry without correcting.
	ErrNotAccepting = errors.New("queue is not accepting work")

	// ErrLeaseMismatch is returned when an ack references a lease that
	// has been superseded or never belonged to the acking agent.
	ErrLeaseMismatch = errors.New("lease mismatch")

	// ErrInvalidTransition is returned for acks against an item whose
	// status does not admit them.
	ErrInvalidTransition = errors.New("invalid item transition")
)

// candidateBatch bounds how many eligible items one lease call inspects
// before giving up; CAS losers skip to the next candidate.
const candidateBatch = 16

// Service coordinates queue item lifecycle against the store.
type Service struct {
	store      store.Store
	bus        *events.Bus
	logger     *slog.Logger
	casRetries int

	// Now is the clock; tests substitute it to drive expiry.
	Now func() time.Time
}

// NewService creates a queue service.
func NewService(s store.Store, bus *events.Bus, logger *slog.Logger, casRetries int) *Service {
	if casRetries <= 0 {
		casRetries = 3
	}
	return &Service{
		store:      s,
		bus:        bus,
		logger:     logger.With("component", "queue"),
		casRetries: casRetries,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates the queue is active and inserts a new item. A
// non-empty executionID links the item to the execution that produced
// it and must name an existing execution.
func (s *Service) Enqueue(ctx context.Context, queueID string, priority int, payload json.RawMessage, requires []string, executionID string) (*model.QueueItem, error) {
	q, err := s.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if q.Status != model.QueueActive {
		return nil, fmt.Errorf("%w: queue %s is %s", ErrNotAccepting, q.ID, q.Status)
	}
	if executionID != "" {
		if _, err := s.store.GetExecution(ctx, executionID); err != nil {
			return nil, err
		}
	}

	now := s.Now()
	it := &model.QueueItem{
		ID:          model.NewID(),
		TenantID:    q.TenantID,
		QueueID:     q.ID,
		Priority:    priority,
		Payload:     payload,
		Requires:    requires,
		Status:      model.ItemNew,
		ExecutionID: executionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateItem(ctx, it); err != nil {
		return nil, err
	}

	s.logger.Info("item enqueued", "item_id", it.ID, "queue_id", q.ID, "priority", priority)
	s.publish(it, "", model.ItemNew, now)
	return it, nil
}

// Lease hands the highest-priority eligible item to the agent, if any.
// The agent must be registered; its stored capability set decides what
// it may run. Eligibility is new items and retrying items whose
// next_retry_at is due, ordered priority desc then created_at asc. The
// grant is a CAS: under concurrent lease calls only one wins an item,
// the loser moves to the next candidate. A nil item with nil error means
// nothing is eligible. The winning agent is flipped to busy so dispatch
// stops treating it as idle.
func (s *Service) Lease(ctx context.Context, queueID, agentID string) (*model.QueueItem, error) {
	q, err := s.store.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	candidates, err := s.store.ListEligibleItems(ctx, q.ID, now, candidateBatch)
	if err != nil {
		return nil, err
	}

	for _, it := range candidates {
		if !agent.CanRun(it.Requires) {
			continue
		}
		granted, err := s.grant(ctx, it, q, agent.ID, now)
		if errors.Is(err, store.ErrVersionConflict) {
			continue // another dispatcher won this item
		}
		if err != nil {
			return nil, err
		}
		s.markBusy(ctx, agent, now)
		return granted, nil
	}
	return nil, nil
}

// markBusy records the lease holder as busy. A version conflict means a
// heartbeat raced the grant; re-read and re-apply once so the agent does
// not sit in the idle pool while holding a live lease.
func (s *Service) markBusy(ctx context.Context, a *model.Agent, now time.Time) {
	for i := 0; i < 2; i++ {
		a.Status = model.AgentBusy
		a.UpdatedAt = now
		err := s.store.UpdateAgent(ctx, a)
		if err == nil {
			return
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			s.logger.Warn("failed to mark agent busy", "agent_id", a.ID, "error", err)
			return
		}
		fresh, err := s.store.GetAgent(ctx, a.ID)
		if err != nil {
			s.logger.Warn("failed to mark agent busy", "agent_id", a.ID, "error", err)
			return
		}
		*a = *fresh
	}
}

// grant transitions one item to processing and stamps the lease.
func (s *Service) grant(ctx context.Context, it *model.QueueItem, q *model.Queue, agentID string, now time.Time) (*model.QueueItem, error) {
	from := it.Status
	if !model.ValidItemTransition(from, model.ItemProcessing) {
		return nil, fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, from)
	}

	entered := it.UpdatedAt
	expires := now.Add(time.Duration(q.TimeoutSeconds) * time.Second)
	it.Status = model.ItemProcessing
	it.AttemptCount++
	it.LeasedBy = agentID
	it.LeaseExpires = &expires
	it.LeaseEpoch++
	it.NextRetryAt = nil
	it.UpdatedAt = now

	if err := s.store.UpdateItem(ctx, it); err != nil {
		return nil, err
	}

	s.logger.Info("lease granted",
		"item_id", it.ID, "agent_id", agentID,
		"epoch", it.LeaseEpoch, "attempt", it.AttemptCount, "expires", expires)
	s.publish(it, from, model.ItemProcessing, entered)
	return it, nil
}

// AckComplete records a successful result for the lease identified by
// (agentID, epoch). A duplicate ack for the same lease is a no-op. A late
// ack whose lease has expired is still accepted when no newer lease
// exists and the item is not terminal; otherwise ErrLeaseMismatch.
func (s *Service) AckComplete(ctx context.Context, itemID, agentID string, epoch int, result json.RawMessage) error {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return err
	}
	return s.withCAS(ctx, itemID, func(it *model.QueueItem) (string, bool, error) {
		if it.Status == model.ItemCompleted {
			if it.LeasedBy == agentID && it.LeaseEpoch == epoch {
				return "", false, nil // duplicate delivery of the same ack
			}
			return "", false, fmt.Errorf("%w: item %s already completed", ErrLeaseMismatch, it.ID)
		}
		if err := s.checkLease(it, agentID, epoch); err != nil {
			return "", false, err
		}

		from := it.Status
		it.Status = model.ItemCompleted
		it.Result = result
		it.LeaseExpires = nil
		it.NextRetryAt = nil
		it.UpdatedAt = s.Now()

		s.logger.Info("item completed", "item_id", it.ID, "agent_id", agentID, "attempt", it.AttemptCount)
		return from, true, nil
	})
}

// AckFail records a failed attempt and delegates the outcome to the
// retry engine: schedule another attempt, or mark terminal failure.
func (s *Service) AckFail(ctx context.Context, itemID, agentID string, epoch int, failure string) error {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return err
	}
	return s.withCAS(ctx, itemID, func(it *model.QueueItem) (string, bool, error) {
		if err := s.checkLease(it, agentID, epoch); err != nil {
			return "", false, err
		}

		q, err := s.store.GetQueue(ctx, it.QueueID)
		if err != nil {
			return "", false, err
		}

		now := s.Now()
		from := it.Status
		it.Error = failure
		it.LeasedBy = ""
		it.LeaseExpires = nil

		decision := retry.Decide(retry.Policy{
			MaxRetries: q.MaxRetries,
			Delay:      time.Duration(q.RetryDelaySeconds) * time.Second,
			Backoff:    q.Backoff,
		}, it.AttemptCount, now)

		if decision.Retry {
			it.Status = model.ItemRetrying
			it.NextRetryAt = &decision.NextRetryAt
			s.logger.Info("item retry scheduled",
				"item_id", it.ID, "attempt", it.AttemptCount,
				"next_retry_at", decision.NextRetryAt)
		} else {
			it.Status = model.ItemFailed
			it.NextRetryAt = nil
			s.logger.Warn("item failed terminally",
				"item_id", it.ID, "attempt", it.AttemptCount, "error", failure)
		}
		it.UpdatedAt = now
		return from, true, nil
	})
}

// ExpireLeases returns items whose leases lapsed without an ack to a
// retryable state. The vanished attempt is not charged against the retry
// budget: the agent went away, the work never reported. Returns how many
// items were recovered.
func (s *Service) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListExpiredLeasedItems(ctx, now)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, it := range expired {
		ok, err := s.requeue(ctx, it, now)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// ReleaseAgent requeues every item the agent currently holds, without
// waiting for the lease deadlines. Called when the agent is declared
// dead after missed heartbeats.
func (s *Service) ReleaseAgent(ctx context.Context, agentID string, now time.Time) (int, error) {
	held, err := s.store.ListItemsLeasedBy(ctx, agentID)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, it := range held {
		ok, err := s.requeue(ctx, it, now)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// requeue unwinds one abandoned lease. The vanished attempt is not
// charged against the retry budget. A CAS conflict means an ack landed
// first; its outcome stands.
func (s *Service) requeue(ctx context.Context, it *model.QueueItem, now time.Time) (bool, error) {
	from := it.Status
	entered := it.UpdatedAt
	holder := it.LeasedBy
	it.AttemptCount--
	it.LeasedBy = ""
	it.LeaseExpires = nil
	if it.AttemptCount <= 0 {
		it.AttemptCount = 0
		it.Status = model.ItemNew
		it.NextRetryAt = nil
	} else {
		it.Status = model.ItemRetrying
		it.NextRetryAt = &now
	}
	it.UpdatedAt = now

	err := s.store.UpdateItem(ctx, it)
	if errors.Is(err, store.ErrVersionConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Warn("lease abandoned, item requeued",
		"item_id", it.ID, "agent_id", holder, "epoch", it.LeaseEpoch)
	s.publish(it, from, it.Status, entered)
	return true, nil
}

// Pause stops a queue from accepting new items.
func (s *Service) Pause(ctx context.Context, queueID string) error {
	return s.store.UpdateQueueStatus(ctx, queueID, model.QueuePaused)
}

// Resume reopens a paused queue.
func (s *Service) Resume(ctx context.Context, queueID string) error {
	return s.store.UpdateQueueStatus(ctx, queueID, model.QueueActive)
}

// checkLease validates that (agentID, epoch) names the item's current
// lease. Expiry alone does not invalidate a late ack; a newer epoch does.
func (s *Service) checkLease(it *model.QueueItem, agentID string, epoch int) error {
	if it.Status != model.ItemProcessing {
		return fmt.Errorf("%w: item %s is %s", ErrInvalidTransition, it.ID, it.Status)
	}
	if it.LeaseEpoch != epoch {
		return fmt.Errorf("%w: epoch %d superseded by %d", ErrLeaseMismatch, epoch, it.LeaseEpoch)
	}
	if it.LeasedBy != agentID {
		return fmt.Errorf("%w: held by %s, acked by %s", ErrLeaseMismatch, it.LeasedBy, agentID)
	}
	return nil
}

// withCAS runs mutate against a fresh read of the item and retries a
// bounded number of times on version conflicts. mutate returns the
// from-status for the transition announcement and whether to write; a
// false write is a deliberate no-op (idempotent duplicate). The
// transition is published only after the CAS lands, so a lost race never
// announces a change that did not happen.
func (s *Service) withCAS(ctx context.Context, itemID string, mutate func(*model.QueueItem) (string, bool, error)) error {
	var lastErr error
	for i := 0; i < s.casRetries; i++ {
		it, err := s.store.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		entered := it.UpdatedAt
		from, write, err := mutate(it)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}
		err = s.store.UpdateItem(ctx, it)
		if err == nil {
			s.publish(it, from, it.Status, entered)
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// publish emits a transition immediately. entered is when the item last
// changed, so duration rules can gate on time spent in the From status.
func (s *Service) publish(it *model.QueueItem, from, to string, entered time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Transition{
		EntityType: model.EntityQueueItem,
		EntityID:   it.ID,
		TenantID:   it.TenantID,
		From:       from,
		To:         to,
		At:         it.UpdatedAt,
		EnteredAt:  entered,
		Fields: map[string]float64{
			"attempt_count": float64(it.AttemptCount),
			"priority":      float64(it.Priority),
		},
		Detail: it.Error,
	})
}
