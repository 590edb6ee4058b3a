// Package notify evaluates notification rules against state transitions
// and hands matching events to delivery sinks. Evaluation runs on the
// event bus's subscriber goroutine, asynchronously to the state machines
// that produced the transitions.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkrell/foreman/internal/events"
	"github.com/mkrell/foreman/internal/model"
	"github.com/mkrell/foreman/internal/store"
)

// Sink delivers a matched notification event to the outside world.
type Sink interface {
	Deliver(ctx context.Context, ev model.NotificationEvent) error
}

// Evaluator matches transitions against enabled notification rules.
type Evaluator struct {
	store  store.Store
	bus    *events.Bus
	sinks  []Sink
	logger *slog.Logger

	unsubscribe func()
}

// NewEvaluator creates an evaluator delivering to the given sinks.
func NewEvaluator(s store.Store, bus *events.Bus, logger *slog.Logger, sinks ...Sink) *Evaluator {
	return &Evaluator{
		store:  s,
		bus:    bus,
		sinks:  sinks,
		logger: logger.With("component", "notify"),
	}
}

// Start subscribes to every transition on the bus.
func (e *Evaluator) Start(ctx context.Context) {
	e.unsubscribe = e.bus.Subscribe("", func(tr events.Transition) {
		e.Evaluate(ctx, tr)
	})
}

// Stop detaches from the bus.
func (e *Evaluator) Stop() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// Evaluate checks one transition against the enabled rules for its
// entity type and delivers an event per matching rule.
func (e *Evaluator) Evaluate(ctx context.Context, tr events.Transition) {
	rules, err := e.store.ListEnabledRules(ctx, tr.EntityType)
	if err != nil {
		e.logger.Error("rule load failed", "entity_type", tr.EntityType, "error", err)
		return
	}

	for _, r := range rules {
		if r.TenantID != "" && r.TenantID != tr.TenantID {
			continue
		}
		if !Matches(&r.Condition, tr) {
			continue
		}
		ev := model.NotificationEvent{
			RuleID:     r.ID,
			RuleName:   r.Name,
			TenantID:   tr.TenantID,
			EntityType: tr.EntityType,
			EntityID:   tr.EntityID,
			Title:      r.Name,
			Message:    message(tr),
			Severity:   r.Severity,
			Channels:   r.Channels,
			EmittedAt:  tr.At,
		}
		for _, sink := range e.sinks {
			if err := sink.Deliver(ctx, ev); err != nil {
				e.logger.Error("notification delivery failed",
					"rule_id", r.ID, "entity_id", tr.EntityID, "error", err)
			}
		}
	}
}

// Matches evaluates a single condition against a transition.
func Matches(c *model.Condition, tr events.Transition) bool {
	switch c.Kind {
	case model.ConditionFieldThreshold:
		v, ok := tr.Fields[c.Field]
		if !ok {
			return false
		}
		switch c.Op {
		case ">=":
			return v >= c.Value
		case ">":
			return v > c.Value
		case "<=":
			return v <= c.Value
		case "<":
			return v < c.Value
		case "==":
			return v == c.Value
		}
		return false

	case model.ConditionStatusChange:
		if c.From != "" && c.From != tr.From {
			return false
		}
		if c.To != "" && c.To != tr.To {
			return false
		}
		if c.MinSeconds > 0 {
			return heldFor(tr, c.MinSeconds)
		}
		return true

	case model.ConditionDuration:
		return heldFor(tr, c.MinSeconds)
	}
	return false
}

// heldFor reports whether the entity spent at least minSeconds in the
// status it is leaving. Unknown entry times never match.
func heldFor(tr events.Transition, minSeconds int) bool {
	if tr.EnteredAt.IsZero() {
		return false
	}
	return tr.At.Sub(tr.EnteredAt) >= time.Duration(minSeconds)*time.Second
}

func message(tr events.Transition) string {
	from := tr.From
	if from == "" {
		from = "(created)"
	}
	msg := fmt.Sprintf("%s %s: %s -> %s", tr.EntityType, tr.EntityID, from, tr.To)
	if tr.Detail != "" {
		msg += ": " + tr.Detail
	}
	return msg
}
