package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/mkrell/foreman/internal/model"
)

// SlogSink writes notification events to the structured log. Always
// wired; it doubles as the audit trail when no external channel is
// configured.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a log sink.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "notify")}
}

func (s *SlogSink) Deliver(_ context.Context, ev model.NotificationEvent) error {
	s.logger.Info("notification",
		"rule_id", ev.RuleID, "rule_name", ev.RuleName, "severity", ev.Severity,
		"tenant_id", ev.TenantID, "entity_type", ev.EntityType,
		"entity_id", ev.EntityID, "message", ev.Message)
	return nil
}

// RedisSink pushes notification events onto a Redis list, where the
// external notification dispatcher consumes them.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink creates a sink pushing to the given list key.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

func (s *RedisSink) Deliver(ctx context.Context, ev model.NotificationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("push notification: %w", err)
	}
	return nil
}
