package model

import (
	"encoding/json"
	"time"
)

// JobExecution status constants.
const (
	ExecQueued    = "queued"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecCanceled  = "canceled"
)

// Trigger source constants.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerAPI      = "api"
	TriggerRetry    = "retry"
)

// execTransitions maps each execution status to its allowed successors.
var execTransitions = map[string]map[string]bool{
	ExecQueued: {
		ExecRunning:  true,
		ExecFailed:   true,
		ExecCanceled: true,
	},
	ExecRunning: {
		ExecCompleted: true,
		ExecFailed:    true,
		ExecCanceled:  true,
	},
}

// ValidExecTransition reports whether an execution may move between the
// two statuses.
func ValidExecTransition(from, to string) bool {
	targets, ok := execTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ExecTerminal reports whether the execution status is final.
func ExecTerminal(status string) bool {
	return status == ExecCompleted || status == ExecFailed || status == ExecCanceled
}

// Job is the definition of a runnable unit: a package reference plus
// parameters and execution policy. Definitions are immutable once an
// execution has started against them.
type Job struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	Name              string          `json:"name"`
	Package           string          `json:"package"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	Requires          []string        `json:"requires,omitempty"`
	Schedule          string          `json:"schedule,omitempty"`
	Priority          int             `json:"priority"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	RetryCount        int             `json:"retry_count"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	Backoff           string          `json:"backoff"`
	Enabled           bool            `json:"enabled"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// JobExecution is one run attempt of a Job. Retry chains are linked by
// ParentExecutionID: each retry is a fresh execution pointing back at the
// attempt it replaces. Attempt is the 1-based position in the chain.
type JobExecution struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	JobID             string          `json:"job_id"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	TriggerSource     string          `json:"trigger_source"`
	Parameters        json.RawMessage `json:"parameters,omitempty"`
	Status            string          `json:"status"`
	Attempt           int             `json:"attempt"`
	AgentID           string          `json:"agent_id,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	LeasedBy          string          `json:"leased_by,omitempty"`
	LeaseExpires      *time.Time      `json:"lease_expires_at,omitempty"`
	LeaseEpoch        int             `json:"lease_epoch"`
	NotBefore         *time.Time      `json:"not_before,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LeaseActive reports whether the execution holds an unexpired lease at now.
func (e *JobExecution) LeaseActive(now time.Time) bool {
	return e.LeasedBy != "" && e.LeaseExpires != nil && e.LeaseExpires.After(now)
}
