package store

import (
	"context"
	"errors"
	"time"

	"github.com/mkrell/foreman/internal/model"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when an optimistic-concurrency update
	// lost the race: the row exists but its version moved on. Callers
	// re-read and retry a bounded number of times.
	ErrVersionConflict = errors.New("version conflict")
)

// QueueStats holds aggregate counts for a queue's items.
type QueueStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
}

// Store defines the persistence operations for the dispatch core. All
// mutating updates on items, executions, and agents are compare-and-swap
// on the entity's version column.
type Store interface {
	CreateTenant(ctx context.Context, t *model.Tenant) error
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)

	CreateQueue(ctx context.Context, q *model.Queue) error
	GetQueue(ctx context.Context, id string) (*model.Queue, error)
	UpdateQueueStatus(ctx context.Context, id, status string) error
	ListQueues(ctx context.Context, tenantID string) ([]*model.Queue, error)

	CreateItem(ctx context.Context, it *model.QueueItem) error
	GetItem(ctx context.Context, id string) (*model.QueueItem, error)
	UpdateItem(ctx context.Context, it *model.QueueItem) error
	ListEligibleItems(ctx context.Context, queueID string, now time.Time, limit int) ([]*model.QueueItem, error)
	ListItems(ctx context.Context, queueID, status string, limit, offset int) ([]*model.QueueItem, int, error)
	ListExpiredLeasedItems(ctx context.Context, now time.Time) ([]*model.QueueItem, error)
	ListItemsLeasedBy(ctx context.Context, agentID string) ([]*model.QueueItem, error)
	GetQueueStats(ctx context.Context, queueID string) (*QueueStats, error)

	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, tenantID string, enabledOnly bool) ([]*model.Job, error)
	ListScheduledJobs(ctx context.Context) ([]*model.Job, error)

	CreateExecution(ctx context.Context, e *model.JobExecution) error
	GetExecution(ctx context.Context, id string) (*model.JobExecution, error)
	UpdateExecution(ctx context.Context, e *model.JobExecution) error
	ListExecutions(ctx context.Context, tenantID, status string, limit, offset int) ([]*model.JobExecution, int, error)
	ListQueuedExecutions(ctx context.Context, now time.Time, limit int) ([]*model.JobExecution, error)
	ListExpiredLeasedExecutions(ctx context.Context, now time.Time) ([]*model.JobExecution, error)
	ListExecutionsLeasedBy(ctx context.Context, agentID string) ([]*model.JobExecution, error)
	CountActiveExecutions(ctx context.Context) (map[string]int, error)

	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error
	ListAgents(ctx context.Context, tenantID string) ([]*model.Agent, error)
	ListIdleAgents(ctx context.Context) ([]*model.Agent, error)
	ListStaleAgents(ctx context.Context, cutoff time.Time) ([]*model.Agent, error)
	CountAgents(ctx context.Context, tenantID string) (int, error)

	CreateRule(ctx context.Context, r *model.NotificationRule) error
	ListEnabledRules(ctx context.Context, entityType string) ([]*model.NotificationRule, error)

	Close() error
}
