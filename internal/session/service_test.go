package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrell/foreman/internal/events"
	"github.com/mkrell/foreman/internal/model"
	"github.com/mkrell/foreman/internal/store"
)

type recordingReclaimer struct {
	agents []string
}

func (r *recordingReclaimer) ReleaseAgent(_ context.Context, agentID string, _ time.Time) (int, error) {
	r.agents = append(r.agents, agentID)
	return 1, nil
}

func newTestService(t *testing.T, rec *recordingReclaimer) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	var reclaimers []WorkReclaimer
	if rec != nil {
		reclaimers = append(reclaimers, rec)
	}
	svc := NewService(s, events.NewBus(64), logger, 10*time.Second, 3, reclaimers...)
	return svc, s
}

func createTenant(t *testing.T, s store.Store, maxAgents int) *model.Tenant {
	t.Helper()
	tn := &model.Tenant{
		ID:        model.NewID(),
		Name:      "acme",
		MaxAgents: maxAgents,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTenant(context.Background(), tn))
	return tn
}

func TestRegisterEnforcesAgentQuota(t *testing.T) {
	svc, st := newTestService(t, nil)
	ctx := context.Background()
	tn := createTenant(t, st, 1)

	_, err := svc.Register(ctx, tn.ID, "worker-1", []string{"shell"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, tn.ID, "worker-2", []string{"shell"})
	assert.ErrorIs(t, err, ErrAgentQuota)

	// Zero quota means unlimited.
	open := createTenant(t, st, 0)
	for i := 0; i < 5; i++ {
		_, err := svc.Register(ctx, open.ID, "worker", nil)
		require.NoError(t, err)
	}
}

func TestHeartbeatDrainsCommandsInOrder(t *testing.T) {
	svc, st := newTestService(t, nil)
	ctx := context.Background()
	tn := createTenant(t, st, 0)

	a, err := svc.Register(ctx, tn.ID, "worker-1", nil)
	require.NoError(t, err)

	svc.EnqueueCommand(a.ID, model.Command{Kind: model.CommandRunItem, ItemID: "item-1"})
	svc.EnqueueCommand(a.ID, model.Command{Kind: model.CommandCancel, ExecutionID: "exec-1"})
	assert.Equal(t, 2, svc.PendingCommands(a.ID))

	cmds, err := svc.Heartbeat(ctx, a.ID, model.AgentOnline, nil)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, model.CommandRunItem, cmds[0].Kind)
	assert.Equal(t, model.CommandCancel, cmds[1].Kind)

	// Drained: the next beat returns nothing.
	cmds, err = svc.Heartbeat(ctx, a.ID, model.AgentBusy, nil)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestHeartbeatRejectsOfflineStatus(t *testing.T) {
	svc, st := newTestService(t, nil)
	ctx := context.Background()
	tn := createTenant(t, st, 0)
	a, err := svc.Register(ctx, tn.ID, "worker-1", nil)
	require.NoError(t, err)

	_, err = svc.Heartbeat(ctx, a.ID, model.AgentOffline, nil)
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestSweepDeclaresSilentAgentsOffline(t *testing.T) {
	rec := &recordingReclaimer{}
	svc, st := newTestService(t, rec)
	ctx := context.Background()
	tn := createTenant(t, st, 0)

	stale, err := svc.Register(ctx, tn.ID, "stale", nil)
	require.NoError(t, err)
	svc.EnqueueCommand(stale.ID, model.Command{Kind: model.CommandRunItem, ItemID: "x"})

	fresh, err := svc.Register(ctx, tn.ID, "fresh", nil)
	require.NoError(t, err)

	// The stale agent last beat 3 intervals ago; the fresh one just did.
	future := time.Now().UTC().Add(31 * time.Second)
	_, err = svc.Heartbeat(ctx, fresh.ID, model.AgentOnline, nil)
	require.NoError(t, err)
	freshAgent, err := st.GetAgent(ctx, fresh.ID)
	require.NoError(t, err)
	freshAgent.LastHeartbeat = future
	require.NoError(t, st.UpdateAgent(ctx, freshAgent))

	n, err := svc.Sweep(ctx, future)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetAgent(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentOffline, got.Status)
	assert.Equal(t, []string{stale.ID}, rec.agents, "work reclaimed exactly once")
	assert.Zero(t, svc.PendingCommands(stale.ID), "stale commands dropped")

	got, err = st.GetAgent(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentOnline, got.Status)
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	svc, st := newTestService(t, &recordingReclaimer{})
	ctx := context.Background()
	tn := createTenant(t, st, 0)

	a, err := svc.Register(ctx, tn.ID, "worker-1", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Deregister(ctx, a.ID))

	got, err := st.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.AgentOffline, got.Status)

	_, err = svc.Heartbeat(ctx, a.ID, model.AgentOnline, &model.HeartbeatMetrics{CPUPercent: 12.5})
	require.NoError(t, err)

	got, err = st.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentOnline, got.Status)
}
