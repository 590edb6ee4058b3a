package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification rule entity types.
const (
	EntityQueueItem = "queue_item"
	EntityExecution = "execution"
	EntityAgent     = "agent"
)

// Condition kinds.
const (
	ConditionFieldThreshold = "field_threshold"
	ConditionStatusChange   = "status_change"
	ConditionDuration       = "duration"
)

// Severity levels carried on emitted notification events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Condition is a tagged union over the known condition kinds. Exactly one
// of the kind-specific field groups is meaningful, selected by Kind.
type Condition struct {
	Kind string `json:"kind"`

	// field_threshold: numeric field compared against a bound.
	Field string  `json:"field,omitempty"`
	Op    string  `json:"op,omitempty"` // ">=", ">", "<=", "<", "=="
	Value float64 `json:"value,omitempty"`

	// status_change: transition from From to To. Empty From or To matches
	// any status on that side.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// duration: entity spent at least MinSeconds in the status it is
	// leaving. Also gates status_change when MinSeconds > 0.
	MinSeconds int `json:"min_seconds,omitempty"`
}

// Validate checks that the condition's kind and operator are known.
func (c *Condition) Validate() error {
	switch c.Kind {
	case ConditionFieldThreshold:
		switch c.Op {
		case ">=", ">", "<=", "<", "==":
		default:
			return fmt.Errorf("unknown threshold op %q", c.Op)
		}
		if c.Field == "" {
			return fmt.Errorf("field_threshold requires a field")
		}
	case ConditionStatusChange:
		if c.From == "" && c.To == "" {
			return fmt.Errorf("status_change requires from or to")
		}
	case ConditionDuration:
		if c.MinSeconds <= 0 {
			return fmt.Errorf("duration requires min_seconds > 0")
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// NotificationRule binds a condition to a set of delivery channels. The
// core evaluates rules; channel delivery belongs to the external
// notification dispatcher.
type NotificationRule struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Name       string          `json:"name"`
	EntityType string          `json:"entity_type"`
	Condition  Condition       `json:"condition"`
	Severity   string          `json:"severity"`
	Channels   json.RawMessage `json:"channels,omitempty"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NotificationEvent is what the evaluator emits when a rule matches.
type NotificationEvent struct {
	RuleID     string          `json:"rule_id"`
	RuleName   string          `json:"rule_name"`
	TenantID   string          `json:"tenant_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Severity   string          `json:"severity"`
	Channels   json.RawMessage `json:"channels,omitempty"`
	EmittedAt  time.Time       `json:"emitted_at"`
}
