// Package trigger turns job cron schedules into execution submissions.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mkrell/foreman/internal/admission"
	"github.com/mkrell/foreman/internal/model"
	"github.com/mkrell/foreman/internal/store"
)

// Submitter creates executions; the execution service implements it.
type Submitter interface {
	Submit(ctx context.Context, jobID, triggerSource string, parameters json.RawMessage) (*model.JobExecution, error)
}

// Scheduler registers each enabled job's cron schedule and submits an
// execution on every fire. A fire that hits the tenant's concurrency
// quota is skipped, not queued: the next fire tries again.
type Scheduler struct {
	store  store.Store
	submit Submitter
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler using standard 5-field cron specs.
func NewScheduler(s store.Store, submit Submitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   s,
		submit:  submit,
		logger:  logger.With("component", "trigger"),
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads the schedules and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts firing; a fire already in flight completes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reload syncs cron entries with the store: new scheduled jobs are
// registered, removed or disabled ones unregistered. A job whose spec
// does not parse is logged and skipped; one bad schedule must not take
// down the rest.
func (s *Scheduler) Reload(ctx context.Context) error {
	jobs, err := s.store.ListScheduledJobs(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = true
		if _, ok := s.entries[j.ID]; ok {
			continue
		}
		jobID := j.ID
		id, err := s.cron.AddFunc(j.Schedule, func() { s.fire(jobID) })
		if err != nil {
			s.logger.Error("invalid job schedule, skipping",
				"job_id", j.ID, "schedule", j.Schedule, "error", err)
			continue
		}
		s.entries[j.ID] = id
		s.logger.Info("job schedule registered", "job_id", j.ID, "schedule", j.Schedule)
	}

	for jobID, entryID := range s.entries {
		if !seen[jobID] {
			s.cron.Remove(entryID)
			delete(s.entries, jobID)
			s.logger.Info("job schedule removed", "job_id", jobID)
		}
	}
	return nil
}

// Entries returns how many schedules are registered.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(jobID string) {
	ctx := context.Background()
	e, err := s.submit.Submit(ctx, jobID, model.TriggerSchedule, nil)
	switch {
	case errors.Is(err, admission.ErrQuotaExceeded):
		s.logger.Warn("scheduled fire skipped, tenant at quota", "job_id", jobID)
	case err != nil:
		s.logger.Error("scheduled fire failed", "job_id", jobID, "error", err)
	default:
		s.logger.Info("scheduled execution submitted",
			"job_id", jobID, "execution_id", e.ID)
	}
}
