// Package exec implements the JobExecution state machine: submission
// through the per-tenant admission gate, the running lifecycle, and
// retry chains linked by parent_execution_id.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkrell/foreman/internal/admission"
	"github.com/mkrell/foreman/internal/events"
	"github.com/mkrell/foreman/internal/model"
	"github.com/mkrell/foreman/internal/retry"
	"github.com/mkrell/foreman/internal/store"
)

var (
	// ErrJobDisabled is returned when submitting against a disabled job.
	ErrJobDisabled = errors.New("job is disabled")

	// ErrLeaseMismatch is returned when a report references a lease that
	// has been superseded or belongs to a different agent.
	ErrLeaseMismatch = errors.New("lease mismatch")

	// ErrInvalidTransition is returned for reports against an execution
	// whose status does not admit them.
	ErrInvalidTransition = errors.New("invalid execution transition")
)

// Service coordinates the execution lifecycle against the store and the
// admission controller. One admission slot is held from submission until
// the chain reaches a terminal state; a retry hands its slot to the
// child execution instead of releasing it.
type Service struct {
	store      store.Store
	bus        *events.Bus
	adm        *admission.Controller
	logger     *slog.Logger
	casRetries int

	// Now is the clock; tests substitute it to drive expiry.
	Now func() time.Time
}

// NewService creates an execution service.
func NewService(s store.Store, bus *events.Bus, adm *admission.Controller, logger *slog.Logger, casRetries int) *Service {
	if casRetries <= 0 {
		casRetries = 3
	}
	return &Service{
		store:      s,
		bus:        bus,
		adm:        adm,
		logger:     logger.With("component", "exec"),
		casRetries: casRetries,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit creates a queued execution for the job, charging one slot
// against the tenant's max_concurrent_jobs quota. Parameters override
// the job's defaults when non-nil.
func (s *Service) Submit(ctx context.Context, jobID, triggerSource string, parameters json.RawMessage) (*model.JobExecution, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrJobDisabled, j.ID)
	}

	tenant, err := s.store.GetTenant(ctx, j.TenantID)
	if err != nil {
		return nil, err
	}
	if err := s.adm.Admit(j.TenantID, tenant.MaxConcurrentJobs); err != nil {
		return nil, err
	}

	if parameters == nil {
		parameters = j.Parameters
	}
	now := s.Now()
	e := &model.JobExecution{
		ID:            model.NewID(),
		TenantID:      j.TenantID,
		JobID:         j.ID,
		TriggerSource: triggerSource,
		Parameters:    parameters,
		Status:        model.ExecQueued,
		Attempt:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateExecution(ctx, e); err != nil {
		s.adm.Release(j.TenantID)
		return nil, err
	}

	s.logger.Info("execution submitted",
		"execution_id", e.ID, "job_id", j.ID, "trigger", triggerSource)
	s.publish(e, "", model.ExecQueued)
	return e, nil
}

// Assign stamps a lease on a queued execution for the agent. The status
// stays queued until the agent reports Start. Store version conflicts
// pass through so the dispatcher can skip to the next candidate.
func (s *Service) Assign(ctx context.Context, e *model.JobExecution, agentID string, timeout time.Duration) error {
	if e.Status != model.ExecQueued {
		return fmt.Errorf("%w: cannot assign %s execution", ErrInvalidTransition, e.Status)
	}
	now := s.Now()
	expires := now.Add(timeout)
	e.AgentID = agentID
	e.LeasedBy = agentID
	e.LeaseExpires = &expires
	e.LeaseEpoch++
	e.UpdatedAt = now

	if err := s.store.UpdateExecution(ctx, e); err != nil {
		return err
	}
	s.logger.Info("execution assigned",
		"execution_id", e.ID, "agent_id", agentID, "epoch", e.LeaseEpoch)
	return nil
}

// Start records that the agent began running the execution. The lease
// deadline restarts from now so a long queue wait does not eat into the
// run timeout.
func (s *Service) Start(ctx context.Context, execID, agentID string, epoch int, timeout time.Duration) error {
	return s.withCAS(ctx, execID, func(e *model.JobExecution) (string, bool, error) {
		if e.Status == model.ExecRunning && e.LeasedBy == agentID && e.LeaseEpoch == epoch {
			return "", false, nil // duplicate start report
		}
		if e.Status != model.ExecQueued {
			return "", false, fmt.Errorf("%w: start on %s execution", ErrInvalidTransition, e.Status)
		}
		if err := s.checkLease(e, agentID, epoch); err != nil {
			return "", false, err
		}

		now := s.Now()
		expires := now.Add(timeout)
		from := e.Status
		e.Status = model.ExecRunning
		e.StartedAt = &now
		e.LeaseExpires = &expires
		e.UpdatedAt = now

		s.logger.Info("execution started", "execution_id", e.ID, "agent_id", agentID)
		return from, true, nil
	})
}

// Complete records a successful result. A duplicate report for the same
// lease is a no-op; a report landing after cancellation is dropped, the
// terminal state wins.
func (s *Service) Complete(ctx context.Context, execID, agentID string, epoch int, result json.RawMessage) error {
	var tenantID string
	err := s.withCAS(ctx, execID, func(e *model.JobExecution) (string, bool, error) {
		tenantID = ""
		if e.Status == model.ExecCompleted {
			if e.LeasedBy == agentID && e.LeaseEpoch == epoch {
				return "", false, nil
			}
			return "", false, fmt.Errorf("%w: execution %s already completed", ErrLeaseMismatch, e.ID)
		}
		if e.Status == model.ExecCanceled {
			s.logger.Info("late completion dropped, execution canceled",
				"execution_id", e.ID, "agent_id", agentID)
			return "", false, nil
		}
		if e.Status != model.ExecRunning {
			return "", false, fmt.Errorf("%w: complete on %s execution", ErrInvalidTransition, e.Status)
		}
		if err := s.checkLease(e, agentID, epoch); err != nil {
			return "", false, err
		}

		now := s.Now()
		from := e.Status
		e.Status = model.ExecCompleted
		e.Result = result
		e.FinishedAt = &now
		e.LeaseExpires = nil
		e.UpdatedAt = now

		tenantID = e.TenantID
		s.logger.Info("execution completed",
			"execution_id", e.ID, "agent_id", agentID, "attempt", e.Attempt)
		return from, true, nil
	})
	if err == nil && tenantID != "" {
		s.adm.Release(tenantID)
	}
	return err
}

// Fail records a failed attempt and, when the job's retry budget allows,
// spawns a fresh execution linked to this one. The failed parent keeps
// its admission slot just long enough to hand it to the child; only a
// terminal chain end releases it.
func (s *Service) Fail(ctx context.Context, execID, agentID string, epoch int, failure string) error {
	var spawn *model.JobExecution
	var tenantID string
	err := s.withCAS(ctx, execID, func(e *model.JobExecution) (string, bool, error) {
		spawn = nil
		tenantID = ""
		if e.Status == model.ExecCanceled {
			s.logger.Info("late failure dropped, execution canceled",
				"execution_id", e.ID, "agent_id", agentID)
			return "", false, nil
		}
		if e.Status != model.ExecRunning && e.Status != model.ExecQueued {
			return "", false, fmt.Errorf("%w: fail on %s execution", ErrInvalidTransition, e.Status)
		}
		if err := s.checkLease(e, agentID, epoch); err != nil {
			return "", false, err
		}

		j, err := s.store.GetJob(ctx, e.JobID)
		if err != nil {
			return "", false, err
		}

		now := s.Now()
		from := e.Status
		e.Status = model.ExecFailed
		e.Error = failure
		e.FinishedAt = &now
		e.LeaseExpires = nil
		e.UpdatedAt = now

		decision := retry.Decide(retry.Policy{
			MaxRetries: j.RetryCount,
			Delay:      time.Duration(j.RetryDelaySeconds) * time.Second,
			Backoff:    j.Backoff,
		}, e.Attempt, now)
		if decision.Retry {
			spawn = s.childOf(e, decision.NextRetryAt, now)
		} else {
			tenantID = e.TenantID
		}
		return from, true, nil
	})
	if err != nil {
		return err
	}
	if spawn != nil {
		return s.createRetry(ctx, spawn)
	}
	if tenantID != "" {
		s.adm.Release(tenantID)
	}
	return nil
}

// FailByExpiry handles a lease that lapsed without a report: the agent
// vanished. A queued assignment is simply unstamped; a running execution
// fails and retries per the job's policy.
func (s *Service) FailByExpiry(ctx context.Context, e *model.JobExecution, now time.Time) error {
	from := e.Status
	if e.Status == model.ExecQueued {
		e.AgentID = ""
		e.LeasedBy = ""
		e.LeaseExpires = nil
		e.UpdatedAt = now
		err := s.store.UpdateExecution(ctx, e)
		if errors.Is(err, store.ErrVersionConflict) {
			return nil // a report landed first
		}
		if err != nil {
			return err
		}
		s.logger.Warn("assignment lease expired, execution requeued", "execution_id", e.ID)
		return nil
	}

	j, err := s.store.GetJob(ctx, e.JobID)
	if err != nil {
		return err
	}

	e.Status = model.ExecFailed
	e.Error = "lease expired"
	e.FinishedAt = &now
	e.LeaseExpires = nil
	e.UpdatedAt = now

	decision := retry.Decide(retry.Policy{
		MaxRetries: j.RetryCount,
		Delay:      time.Duration(j.RetryDelaySeconds) * time.Second,
		Backoff:    j.Backoff,
	}, e.Attempt, now)

	err = s.store.UpdateExecution(ctx, e)
	if errors.Is(err, store.ErrVersionConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Warn("run lease expired, execution failed",
		"execution_id", e.ID, "agent_id", e.LeasedBy, "attempt", e.Attempt)
	s.publish(e, from, model.ExecFailed)

	if decision.Retry {
		return s.createRetry(ctx, s.childOf(e, decision.NextRetryAt, now))
	}
	s.adm.Release(e.TenantID)
	return nil
}

// ExpireLeases sweeps executions whose leases lapsed at now. Returns how
// many were recovered or failed.
func (s *Service) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListExpiredLeasedExecutions(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range expired {
		if err := s.FailByExpiry(ctx, e, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ReleaseAgent unwinds every execution the agent currently holds,
// without waiting for the lease deadlines. Called when the agent is
// declared dead after missed heartbeats.
func (s *Service) ReleaseAgent(ctx context.Context, agentID string, now time.Time) (int, error) {
	held, err := s.store.ListExecutionsLeasedBy(ctx, agentID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range held {
		if err := s.FailByExpiry(ctx, e, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Cancel moves a queued or running execution to canceled. Canceling an
// already-canceled execution is a no-op; any other terminal state is an
// error. The returned execution carries the agent that held it, if any,
// so the caller can deliver a cancel command.
func (s *Service) Cancel(ctx context.Context, execID string) (*model.JobExecution, error) {
	var out *model.JobExecution
	var tenantID string
	err := s.withCAS(ctx, execID, func(e *model.JobExecution) (string, bool, error) {
		out = e
		tenantID = ""
		if e.Status == model.ExecCanceled {
			return "", false, nil
		}
		if model.ExecTerminal(e.Status) {
			return "", false, fmt.Errorf("%w: cancel on %s execution", ErrInvalidTransition, e.Status)
		}

		now := s.Now()
		from := e.Status
		e.Status = model.ExecCanceled
		e.FinishedAt = &now
		e.LeaseExpires = nil
		e.UpdatedAt = now

		tenantID = e.TenantID
		s.logger.Info("execution canceled", "execution_id", e.ID, "was", from)
		return from, true, nil
	})
	if err == nil && tenantID != "" {
		s.adm.Release(tenantID)
	}
	return out, err
}

// Get returns one execution.
func (s *Service) Get(ctx context.Context, execID string) (*model.JobExecution, error) {
	return s.store.GetExecution(ctx, execID)
}

// List returns a page of a tenant's executions, optionally filtered by
// status, newest first.
func (s *Service) List(ctx context.Context, tenantID, status string, limit, offset int) ([]*model.JobExecution, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListExecutions(ctx, tenantID, status, limit, offset)
}

// childOf builds the retry execution that replaces a failed attempt.
func (s *Service) childOf(parent *model.JobExecution, notBefore time.Time, now time.Time) *model.JobExecution {
	return &model.JobExecution{
		ID:                model.NewID(),
		TenantID:          parent.TenantID,
		JobID:             parent.JobID,
		ParentExecutionID: parent.ID,
		TriggerSource:     model.TriggerRetry,
		Parameters:        parent.Parameters,
		Status:            model.ExecQueued,
		Attempt:           parent.Attempt + 1,
		NotBefore:         &notBefore,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// createRetry persists a spawned retry. The parent's admission slot
// transfers to the child; if the insert fails the slot is released so
// the quota cannot leak.
func (s *Service) createRetry(ctx context.Context, child *model.JobExecution) error {
	if err := s.store.CreateExecution(ctx, child); err != nil {
		s.adm.Release(child.TenantID)
		return err
	}
	s.logger.Info("retry execution spawned",
		"execution_id", child.ID, "parent_execution_id", child.ParentExecutionID,
		"attempt", child.Attempt, "not_before", child.NotBefore)
	s.publish(child, "", model.ExecQueued)
	return nil
}

func (s *Service) checkLease(e *model.JobExecution, agentID string, epoch int) error {
	if e.LeaseEpoch != epoch {
		return fmt.Errorf("%w: epoch %d superseded by %d", ErrLeaseMismatch, epoch, e.LeaseEpoch)
	}
	if e.LeasedBy != agentID {
		return fmt.Errorf("%w: held by %s, reported by %s", ErrLeaseMismatch, e.LeasedBy, agentID)
	}
	return nil
}

// withCAS mirrors the queue service's bounded read-mutate-write loop for
// executions. The transition publishes only after the write lands.
func (s *Service) withCAS(ctx context.Context, execID string, mutate func(*model.JobExecution) (string, bool, error)) error {
	var lastErr error
	for i := 0; i < s.casRetries; i++ {
		e, err := s.store.GetExecution(ctx, execID)
		if err != nil {
			return err
		}
		from, write, err := mutate(e)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}
		err = s.store.UpdateExecution(ctx, e)
		if err == nil {
			s.publish(e, from, e.Status)
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (s *Service) publish(e *model.JobExecution, from, to string) {
	if s.bus == nil {
		return
	}
	t := events.Transition{
		EntityType: model.EntityExecution,
		EntityID:   e.ID,
		TenantID:   e.TenantID,
		From:       from,
		To:         to,
		At:         e.UpdatedAt,
		Fields: map[string]float64{
			"attempt": float64(e.Attempt),
		},
		Detail: e.Error,
	}
	if e.StartedAt != nil {
		t.EnteredAt = *e.StartedAt
	}
	s.bus.Publish(t)
}
