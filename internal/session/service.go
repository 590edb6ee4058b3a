// Package session tracks agent liveness and the agent command channel.
// Agents register, then heartbeat on a fixed interval; each heartbeat
// response drains the commands queued for that agent. Agents that miss
// enough heartbeats are declared offline and their leased work is
// reclaimed immediately.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkrell/foreman/internal/events"
	"github.com/mkrell/foreman/internal/model"
	"github.com/mkrell/foreman/internal/store"
)

var (
	// ErrAgentQuota is returned when registering would exceed the
	// tenant's max_agents limit.
	ErrAgentQuota = errors.New("tenant agent quota exceeded")

	// ErrBadStatus is returned for a heartbeat reporting a status agents
	// may not set themselves.
	ErrBadStatus = errors.New("invalid heartbeat status")
)

// WorkReclaimer requeues everything an agent holds. The queue and
// execution services both implement it.
type WorkReclaimer interface {
	ReleaseAgent(ctx context.Context, agentID string, now time.Time) (int, error)
}

// Service is the agent session registry.
type Service struct {
	store             store.Store
	bus               *events.Bus
	logger            *slog.Logger
	heartbeatInterval time.Duration
	missedHeartbeats  int
	reclaimers        []WorkReclaimer

	mu      sync.Mutex
	pending map[string][]model.Command

	// Now is the clock; tests substitute it to drive the sweep.
	Now func() time.Time
}

// NewService creates a session registry.
func NewService(s store.Store, bus *events.Bus, logger *slog.Logger, heartbeatInterval time.Duration, missedHeartbeats int, reclaimers ...WorkReclaimer) *Service {
	if missedHeartbeats <= 0 {
		missedHeartbeats = 3
	}
	return &Service{
		store:             s,
		bus:               bus,
		logger:            logger.With("component", "session"),
		heartbeatInterval: heartbeatInterval,
		missedHeartbeats:  missedHeartbeats,
		reclaimers:        reclaimers,
		pending:           make(map[string][]model.Command),
		Now:               func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a new online agent under the tenant's max_agents
// quota. A zero quota means unlimited.
func (s *Service) Register(ctx context.Context, tenantID, name string, capabilities []string) (*model.Agent, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.MaxAgents > 0 {
		n, err := s.store.CountAgents(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if n >= tenant.MaxAgents {
			return nil, fmt.Errorf("%w: tenant %s has %d agents", ErrAgentQuota, tenantID, n)
		}
	}

	now := s.Now()
	a := &model.Agent{
		ID:            model.NewID(),
		TenantID:      tenantID,
		Name:          name,
		Capabilities:  capabilities,
		Status:        model.AgentOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		"agent_id", a.ID, "tenant_id", tenantID, "capabilities", capabilities)
	s.publish(a, "", model.AgentOnline, nil, now)
	return a, nil
}

// Heartbeat records the agent's report and returns the commands queued
// for it since the last beat. A beat from an agent previously declared
// offline brings it back online; its old leases stay reclaimed.
func (s *Service) Heartbeat(ctx context.Context, agentID, status string, metrics *model.HeartbeatMetrics) ([]model.Command, error) {
	if status != model.AgentOnline && status != model.AgentBusy {
		return nil, fmt.Errorf("%w: %q", ErrBadStatus, status)
	}

	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	from := a.Status
	entered := a.UpdatedAt
	a.Status = status
	a.LastHeartbeat = s.Now()
	a.UpdatedAt = a.LastHeartbeat
	if err := s.updateAgent(ctx, a); err != nil {
		return nil, err
	}

	if from == model.AgentOffline {
		s.logger.Info("agent back online", "agent_id", agentID)
	}
	s.publish(a, from, status, metrics, entered)
	return s.drain(agentID), nil
}

// Deregister takes the agent offline on its own request and reclaims
// anything it still holds.
func (s *Service) Deregister(ctx context.Context, agentID string) error {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Status == model.AgentOffline {
		return nil
	}
	if err := s.takeOffline(ctx, a); err != nil {
		return err
	}
	s.logger.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// EnqueueCommand queues a command for delivery on the agent's next
// heartbeat.
func (s *Service) EnqueueCommand(agentID string, cmd model.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[agentID] = append(s.pending[agentID], cmd)
}

// PendingCommands returns how many commands await the agent.
func (s *Service) PendingCommands(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[agentID])
}

// Sweep declares agents dead after missedHeartbeats silent intervals:
// they go offline, their queued commands are dropped, and their leased
// work is reclaimed. Returns how many agents were taken offline.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(s.missedHeartbeats) * s.heartbeatInterval)
	stale, err := s.store.ListStaleAgents(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, a := range stale {
		if err := s.takeOffline(ctx, a); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue // a heartbeat raced the sweep; the agent lives
			}
			return n, err
		}
		s.logger.Warn("agent missed heartbeats, declared offline",
			"agent_id", a.ID, "last_heartbeat_at", a.LastHeartbeat)
		n++
	}
	return n, nil
}

// takeOffline transitions the agent and reclaims its work. The agent
// was last seen at its final heartbeat; that is when the status it is
// leaving effectively began its silence.
func (s *Service) takeOffline(ctx context.Context, a *model.Agent) error {
	now := s.Now()
	from := a.Status
	a.Status = model.AgentOffline
	a.UpdatedAt = now
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return err
	}
	s.publish(a, from, model.AgentOffline, nil, a.LastHeartbeat)

	s.mu.Lock()
	delete(s.pending, a.ID)
	s.mu.Unlock()

	for _, r := range s.reclaimers {
		reclaimed, err := r.ReleaseAgent(ctx, a.ID, now)
		if err != nil {
			return err
		}
		if reclaimed > 0 {
			s.logger.Info("reclaimed work from offline agent",
				"agent_id", a.ID, "count", reclaimed)
		}
	}
	return nil
}

func (s *Service) drain(agentID string) []model.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := s.pending[agentID]
	delete(s.pending, agentID)
	return cmds
}

// updateAgent retries the CAS once on conflict; agent rows see little
// contention beyond heartbeat-vs-sweep races.
func (s *Service) updateAgent(ctx context.Context, a *model.Agent) error {
	err := s.store.UpdateAgent(ctx, a)
	if !errors.Is(err, store.ErrVersionConflict) {
		return err
	}
	fresh, err := s.store.GetAgent(ctx, a.ID)
	if err != nil {
		return err
	}
	fresh.Status = a.Status
	fresh.LastHeartbeat = a.LastHeartbeat
	fresh.UpdatedAt = a.UpdatedAt
	if err := s.store.UpdateAgent(ctx, fresh); err != nil {
		return err
	}
	*a = *fresh
	return nil
}

// publish emits the agent transition; heartbeat metrics ride along as
// numeric fields so threshold rules can watch them. entered is when the
// agent was last seen in the From status.
func (s *Service) publish(a *model.Agent, from, to string, metrics *model.HeartbeatMetrics, entered time.Time) {
	if s.bus == nil {
		return
	}
	t := events.Transition{
		EntityType: model.EntityAgent,
		EntityID:   a.ID,
		TenantID:   a.TenantID,
		From:       from,
		To:         to,
		At:         a.UpdatedAt,
		EnteredAt:  entered,
	}
	if metrics != nil {
		t.Fields = map[string]float64{
			"cpu_percent": metrics.CPUPercent,
			"mem_percent": metrics.MemPercent,
			"running":     float64(metrics.Running),
		}
	}
	s.bus.Publish(t)
}
