package model

import (
	"encoding/json"
	"time"
)

// Queue status constants.
const (
	QueueActive  = "active"
	QueuePaused  = "paused"
	QueueStopped = "stopped"
)

// QueueItem status constants.
const (
	ItemNew        = "new"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
	ItemRetrying   = "retrying"
)

// itemTransitions maps each item status to the set of statuses it may
// transition to. Completed is terminal; failed is terminal only once the
// retry budget is exhausted, which the retry engine decides.
var itemTransitions = map[string]map[string]bool{
	ItemNew: {
		ItemProcessing: true,
	},
	ItemProcessing: {
		ItemCompleted: true,
		ItemFailed:    true,
		ItemRetrying:  true,
		ItemNew:       true, // lease expired before any ack
	},
	ItemRetrying: {
		ItemProcessing: true,
	},
	ItemFailed: {
		ItemRetrying: true,
	},
}

// ValidItemTransition reports whether a queue item may move between the
// two statuses.
func ValidItemTransition(from, to string) bool {
	targets, ok := itemTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ItemTerminal reports whether the status admits no further transitions.
// A failed item is terminal only when no retry has been scheduled.
func ItemTerminal(status string, retryScheduled bool) bool {
	switch status {
	case ItemCompleted:
		return true
	case ItemFailed:
		return !retryScheduled
	}
	return false
}

// Queue is a named work channel owned by a tenant. Its retry and timeout
// fields are the defaults applied to every item enqueued into it.
type Queue struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Name              string    `json:"name"`
	Status            string    `json:"status"`
	MaxRetries        int       `json:"max_retries"`
	RetryDelaySeconds int       `json:"retry_delay_seconds"`
	TimeoutSeconds    int       `json:"timeout_seconds"`
	Backoff           string    `json:"backoff"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// QueueItem is one unit of queued work. The lease is carried on the row:
// leased_by + lease_expires_at identify the current holder, and
// lease_epoch increments on every grant so stale acks are detectable.
type QueueItem struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	QueueID       string          `json:"queue_id"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Requires      []string        `json:"requires,omitempty"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	ExecutionID   string          `json:"execution_id,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	LeasedBy      string          `json:"leased_by,omitempty"`
	LeaseExpires  *time.Time      `json:"lease_expires_at,omitempty"`
	LeaseEpoch    int             `json:"lease_epoch"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LeaseActive reports whether the item holds an unexpired lease at now.
func (i *QueueItem) LeaseActive(now time.Time) bool {
	return i.LeasedBy != "" && i.LeaseExpires != nil && i.LeaseExpires.After(now)
}

// Eligible reports whether the item can be handed to an agent at now:
// new, or retrying with a due next_retry_at.
func (i *QueueItem) Eligible(now time.Time) bool {
	switch i.Status {
	case ItemNew:
		return true
	case ItemRetrying:
		return i.NextRetryAt != nil && !i.NextRetryAt.After(now)
	}
	return false
}
