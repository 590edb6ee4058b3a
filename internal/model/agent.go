package model

import (
	"encoding/json"
	"time"
)

// Agent status constants.
const (
	AgentOnline  = "online"
	AgentBusy    = "busy"
	AgentOffline = "offline"
)

// Command kinds delivered to agents in heartbeat responses.
const (
	CommandRunItem      = "run_item"
	CommandRunExecution = "run_execution"
	CommandCancel       = "cancel"
)

// Tenant identity plus the quotas the core enforces. Tenants are created
// externally; the core only reads them.
type Tenant struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	MaxAgents         int       `json:"max_agents"`
	CreatedAt         time.Time `json:"created_at"`
}

// Agent is a worker identity. Status is busy exactly while it holds an
// active lease; online/offline agents hold none.
type Agent struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat_at"`
	LastPackage   string    `json:"last_package,omitempty"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CanRun reports whether the agent's capability set satisfies every
// required capability.
func (a *Agent) CanRun(requires []string) bool {
	if len(requires) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range requires {
		if !have[r] {
			return false
		}
	}
	return true
}

// Command is a single instruction delivered to an agent in a heartbeat
// response. Exactly one of ItemID / ExecutionID is set for run commands;
// cancel commands reference the execution to stop.
type Command struct {
	Kind           string          `json:"kind"`
	ItemID         string          `json:"item_id,omitempty"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	LeaseEpoch     int             `json:"lease_epoch,omitempty"`
	LeaseExpires   time.Time       `json:"lease_expires_at,omitzero"`
	Package        string          `json:"package,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// HeartbeatMetrics is the resource snapshot an agent reports alongside
// its status.
type HeartbeatMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	Running    int     `json:"running"`
}
