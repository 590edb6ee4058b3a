package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkrell/foreman/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestQueue(tenantID string) *model.Queue {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.Queue{
		ID:                model.NewID(),
		TenantID:          tenantID,
		Name:              "builds",
		Status:            model.QueueActive,
		MaxRetries:        2,
		RetryDelaySeconds: 30,
		TimeoutSeconds:    60,
		Backoff:           "fixed",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func makeTestItem(tenantID, queueID string, priority int) *model.QueueItem {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.QueueItem{
		ID:        model.NewID(),
		TenantID:  tenantID,
		QueueID:   queueID,
		Priority:  priority,
		Payload:   []byte(`{"cmd":"build"}`),
		Requires:  []string{"shell"},
		Status:    model.ItemNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := makeTestQueue("t1")
	if err := s.CreateQueue(ctx, q); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	it := makeTestItem("t1", q.ID, 3)

	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.QueueID != q.ID {
		t.Errorf("QueueID = %q, want %q", got.QueueID, q.ID)
	}
	if got.Status != model.ItemNew {
		t.Errorf("Status = %q, want %q", got.Status, model.ItemNew)
	}
	if got.Priority != 3 {
		t.Errorf("Priority = %d, want 3", got.Priority)
	}
	if len(got.Requires) != 1 || got.Requires[0] != "shell" {
		t.Errorf("Requires = %v, want [shell]", got.Requires)
	}
	if string(got.Payload) != `{"cmd":"build"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
}

func TestGetItemNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem error = %v, want ErrNotFound", err)
	}
}

func TestUpdateItemVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	it := makeTestItem("t1", "q1", 0)
	if err := s.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	first, _ := s.GetItem(ctx, it.ID)
	second, _ := s.GetItem(ctx, it.ID)

	first.Status = model.ItemProcessing
	if err := s.UpdateItem(ctx, first); err != nil {
		t.Fatalf("first UpdateItem: %v", err)
	}
	if first.Version != second.Version+1 {
		t.Errorf("Version = %d, want %d", first.Version, second.Version+1)
	}

	second.Status = model.ItemProcessing
	if err := s.UpdateItem(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("second UpdateItem error = %v, want ErrVersionConflict", err)
	}
}

func TestUpdateItemNotFound(t *testing.T) {
	s := newTestStore(t)
	it := makeTestItem("t1", "q1", 0)
	if err := s.UpdateItem(context.Background(), it); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateItem error = %v, want ErrNotFound", err)
	}
}

func TestListEligibleItemsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Two priority bands; within the high band, FIFO by created_at.
	low := makeTestItem("t1", "q1", 1)
	highOld := makeTestItem("t1", "q1", 5)
	highOld.CreatedAt = now.Add(-2 * time.Minute)
	highNew := makeTestItem("t1", "q1", 5)
	highNew.CreatedAt = now.Add(-1 * time.Minute)

	for _, it := range []*model.QueueItem{low, highNew, highOld} {
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}

	items, err := s.ListEligibleItems(ctx, "q1", now, 10)
	if err != nil {
		t.Fatalf("ListEligibleItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	if items[0].ID != highOld.ID || items[1].ID != highNew.ID || items[2].ID != low.ID {
		t.Errorf("order = %s, %s, %s; want highOld, highNew, low", items[0].ID, items[1].ID, items[2].ID)
	}
}

func TestListEligibleItemsRetryGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := makeTestItem("t1", "q1", 0)
	due.Status = model.ItemRetrying
	dueAt := now.Add(-time.Second)
	due.NextRetryAt = &dueAt

	notDue := makeTestItem("t1", "q1", 0)
	notDue.Status = model.ItemRetrying
	notDueAt := now.Add(time.Hour)
	notDue.NextRetryAt = &notDueAt

	for _, it := range []*model.QueueItem{due, notDue} {
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}

	items, err := s.ListEligibleItems(ctx, "q1", now, 10)
	if err != nil {
		t.Fatalf("ListEligibleItems: %v", err)
	}
	if len(items) != 1 || items[0].ID != due.ID {
		t.Errorf("eligible = %v, want only the due retry", items)
	}
}

func TestListExpiredLeasedItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := makeTestItem("t1", "q1", 0)
	expired.Status = model.ItemProcessing
	expired.LeasedBy = "agent-1"
	expAt := now.Add(-time.Minute)
	expired.LeaseExpires = &expAt

	live := makeTestItem("t1", "q1", 0)
	live.Status = model.ItemProcessing
	live.LeasedBy = "agent-2"
	liveAt := now.Add(time.Minute)
	live.LeaseExpires = &liveAt

	for _, it := range []*model.QueueItem{expired, live} {
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}

	items, err := s.ListExpiredLeasedItems(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredLeasedItems: %v", err)
	}
	if len(items) != 1 || items[0].ID != expired.ID {
		t.Errorf("expired = %v, want only the expired lease", items)
	}
}

func TestExecutionRoundTripAndCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	e := &model.JobExecution{
		ID:            model.NewID(),
		TenantID:      "t1",
		JobID:         "job-1",
		TriggerSource: model.TriggerManual,
		Status:        model.ExecQueued,
		Attempt:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != model.ExecQueued || got.Attempt != 1 {
		t.Errorf("got status=%q attempt=%d", got.Status, got.Attempt)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}

	stale, _ := s.GetExecution(ctx, e.ID)

	got.Status = model.ExecRunning
	started := now.Add(time.Second)
	got.StartedAt = &started
	if err := s.UpdateExecution(ctx, got); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	stale.Status = model.ExecCanceled
	if err := s.UpdateExecution(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale UpdateExecution error = %v, want ErrVersionConflict", err)
	}
}

func TestCountActiveExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(tenant, status string) {
		e := &model.JobExecution{
			ID: model.NewID(), TenantID: tenant, JobID: "j",
			TriggerSource: model.TriggerAPI, Status: status, Attempt: 1,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}

	add("t1", model.ExecQueued)
	add("t1", model.ExecRunning)
	add("t1", model.ExecCompleted)
	add("t2", model.ExecRunning)

	counts, err := s.CountActiveExecutions(ctx)
	if err != nil {
		t.Fatalf("CountActiveExecutions: %v", err)
	}
	if counts["t1"] != 2 {
		t.Errorf("t1 = %d, want 2", counts["t1"])
	}
	if counts["t2"] != 1 {
		t.Errorf("t2 = %d, want 1", counts["t2"])
	}
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	a := &model.Agent{
		ID:            model.NewID(),
		TenantID:      "t1",
		Name:          "worker-1",
		Capabilities:  []string{"shell", "docker"},
		Status:        model.AgentOnline,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("Capabilities = %v", got.Capabilities)
	}

	got.Status = model.AgentBusy
	got.LastPackage = "com.example.build"
	if err := s.UpdateAgent(ctx, got); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}

	idle, err := s.ListIdleAgents(ctx)
	if err != nil {
		t.Fatalf("ListIdleAgents: %v", err)
	}
	if len(idle) != 0 {
		t.Errorf("idle agents = %d, want 0", len(idle))
	}
}

func TestRuleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	r := &model.NotificationRule{
		ID:         model.NewID(),
		TenantID:   "t1",
		Name:       "too many retries",
		EntityType: model.EntityQueueItem,
		Condition:  model.Condition{Kind: model.ConditionFieldThreshold, Field: "attempt_count", Op: ">=", Value: 2},
		Severity:   model.SeverityWarning,
		Channels:   []byte(`["ops-email"]`),
		Enabled:    true,
		CreatedAt:  now,
	}
	if err := s.CreateRule(ctx, r); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	disabled := *r
	disabled.ID = model.NewID()
	disabled.Enabled = false
	if err := s.CreateRule(ctx, &disabled); err != nil {
		t.Fatalf("CreateRule disabled: %v", err)
	}

	rules, err := s.ListEnabledRules(ctx, model.EntityQueueItem)
	if err != nil {
		t.Fatalf("ListEnabledRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("len(rules) = %d, want 1", len(rules))
	}
	if rules[0].Condition.Field != "attempt_count" {
		t.Errorf("Condition.Field = %q", rules[0].Condition.Field)
	}
}

func TestQueueStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{model.ItemNew, model.ItemNew, model.ItemFailed} {
		it := makeTestItem("t1", "q1", i)
		it.Status = status
		if err := s.CreateItem(ctx, it); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
	}

	stats, err := s.GetQueueStats(ctx, "q1")
	if err != nil {
		t.Fatalf("GetQueueStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.ItemNew] != 2 {
		t.Errorf("new = %d, want 2", stats.CountByStatus[model.ItemNew])
	}
	if stats.CountByStatus[model.ItemFailed] != 1 {
		t.Errorf("failed = %d, want 1", stats.CountByStatus[model.ItemFailed])
	}
}
