package trigger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrell/foreman/internal/admission"
	"github.com/mkrell/foreman/internal/model"
	"github.com/mkrell/foreman/internal/store"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	jobIDs  []string
	nextErr error
}

func (f *fakeSubmitter) Submit(_ context.Context, jobID, _ string, _ json.RawMessage) (*model.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	f.jobIDs = append(f.jobIDs, jobID)
	return &model.JobExecution{ID: model.NewID(), JobID: jobID}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, store.Store, *fakeSubmitter) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sub := &fakeSubmitter{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewScheduler(s, sub, logger), s, sub
}

func createScheduledJob(t *testing.T, s store.Store, schedule string, enabled bool) *model.Job {
	t.Helper()
	now := time.Now().UTC()
	j := &model.Job{
		ID:        model.NewID(),
		TenantID:  "t1",
		Name:      "nightly",
		Package:   "sync-tool",
		Schedule:  schedule,
		Backoff:   "fixed",
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func TestReloadRegistersEnabledSchedules(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	createScheduledJob(t, st, "0 3 * * *", true)
	createScheduledJob(t, st, "*/5 * * * *", true)
	createScheduledJob(t, st, "0 0 * * *", false) // disabled
	createScheduledJob(t, st, "", true)           // no schedule

	require.NoError(t, sched.Reload(ctx))
	assert.Equal(t, 2, sched.Entries())

	// Reloading again is idempotent.
	require.NoError(t, sched.Reload(ctx))
	assert.Equal(t, 2, sched.Entries())
}

func TestReloadSkipsInvalidSchedule(t *testing.T) {
	sched, st, _ := newTestScheduler(t)
	ctx := context.Background()

	createScheduledJob(t, st, "not a cron spec", true)
	good := createScheduledJob(t, st, "30 2 * * 1", true)

	require.NoError(t, sched.Reload(ctx))
	assert.Equal(t, 1, sched.Entries())

	sched.mu.Lock()
	_, ok := sched.entries[good.ID]
	sched.mu.Unlock()
	assert.True(t, ok)
}

func TestFireSubmitsExecution(t *testing.T) {
	sched, st, sub := newTestScheduler(t)
	j := createScheduledJob(t, st, "0 3 * * *", true)

	sched.fire(j.ID)
	assert.Equal(t, []string{j.ID}, sub.jobIDs)
}

func TestFireAtQuotaIsNotFatal(t *testing.T) {
	sched, st, sub := newTestScheduler(t)
	j := createScheduledJob(t, st, "0 3 * * *", true)
	sub.nextErr = admission.ErrQuotaExceeded

	// Must not panic or error out of the cron goroutine.
	sched.fire(j.ID)
	assert.Empty(t, sub.jobIDs)
}
