// Package dispatch runs the matching cycle: expired leases are swept,
// silent agents are declared dead, and ready work is handed to idle,
// capable agents as commands on their heartbeat channel. Work with no
// eligible agent simply stays queued; that is backpressure, not an
// error.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mkrell/foreman/internal/exec"
	"github.com/mkrell/foreman/internal/model"
	"github.com/mkrell/foreman/internal/queue"
	"github.com/mkrell/foreman/internal/session"
	"github.com/mkrell/foreman/internal/store"
)

var (
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "foreman_dispatch_cycle_seconds",
		Help:    "Duration of dispatch cycles.",
		Buckets: prometheus.DefBuckets,
	})
	leasesGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_leases_granted_total",
		Help: "Leases granted, by work kind.",
	}, []string{"kind"})
	leasesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_leases_expired_total",
		Help: "Leases recovered after expiry, by work kind.",
	}, []string{"kind"})
	agentsOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foreman_agents_declared_offline_total",
		Help: "Agents declared offline after missed heartbeats.",
	})
)

// candidateBatch bounds how much ready work one cycle inspects per pool.
const candidateBatch = 32

// Dispatcher matches ready work to idle agents.
type Dispatcher struct {
	store  store.Store
	queues *queue.Service
	execs  *exec.Service
	agents *session.Service
	logger *slog.Logger

	// Now is the clock; tests substitute it.
	Now func() time.Time
}

// New creates a dispatcher.
func New(s store.Store, queues *queue.Service, execs *exec.Service, agents *session.Service, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  s,
		queues: queues,
		execs:  execs,
		agents: agents,
		logger: logger.With("component", "dispatch"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes cycles on the interval until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.RunCycle(ctx); err != nil {
				d.logger.Error("dispatch cycle failed", "error", err)
			}
		}
	}
}

// RunCycle performs one full pass: sweep, then match.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	now := d.Now()
	if n, err := d.queues.ExpireLeases(ctx, now); err != nil {
		return err
	} else if n > 0 {
		leasesExpired.WithLabelValues("item").Add(float64(n))
	}
	if n, err := d.execs.ExpireLeases(ctx, now); err != nil {
		return err
	} else if n > 0 {
		leasesExpired.WithLabelValues("execution").Add(float64(n))
	}
	if n, err := d.agents.Sweep(ctx, now); err != nil {
		return err
	} else if n > 0 {
		agentsOffline.Add(float64(n))
	}

	idle, err := d.store.ListIdleAgents(ctx)
	if err != nil {
		return err
	}
	if len(idle) == 0 {
		return nil
	}

	ready, err := d.store.ListQueuedExecutions(ctx, now, candidateBatch)
	if err != nil {
		return err
	}
	jobs := make(map[string]*model.Job)

	for _, agent := range idle {
		holding, err := d.holdsWork(ctx, agent.ID)
		if err != nil {
			return err
		}
		if holding {
			// The status column drifted: a heartbeat raced a grant and
			// reported the agent idle while it holds a live lease. Do
			// not double-book it; correct the status instead.
			if err := d.markBusy(ctx, agent, ""); err != nil {
				d.logger.Error("busy correction failed", "agent_id", agent.ID, "error", err)
			}
			continue
		}
		assigned, err := d.assign(ctx, agent, ready, jobs, now)
		if err != nil {
			d.logger.Error("assignment failed", "agent_id", agent.ID, "error", err)
			continue
		}
		if assigned {
			// Refresh the execution pool; the grant consumed from it.
			ready, err = d.store.ListQueuedExecutions(ctx, now, candidateBatch)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// workCandidate is one assignable unit, normalized for ordering.
type workCandidate struct {
	priority  int
	createdAt time.Time
	pkg       string

	item *model.QueueItem
	ex   *model.JobExecution
	job  *model.Job
}

// assign finds the best work for one idle agent and hands it over.
func (d *Dispatcher) assign(ctx context.Context, agent *model.Agent, ready []*model.JobExecution, jobs map[string]*model.Job, now time.Time) (bool, error) {
	var candidates []workCandidate

	for _, e := range ready {
		if e.TenantID != agent.TenantID {
			continue
		}
		j, err := d.job(ctx, jobs, e.JobID)
		if err != nil {
			return false, err
		}
		if !agent.CanRun(j.Requires) {
			continue
		}
		candidates = append(candidates, workCandidate{
			priority:  j.Priority,
			createdAt: e.CreatedAt,
			pkg:       j.Package,
			ex:        e,
			job:       j,
		})
	}

	qs, err := d.store.ListQueues(ctx, agent.TenantID)
	if err != nil {
		return false, err
	}
	for _, q := range qs {
		top, err := d.store.ListEligibleItems(ctx, q.ID, now, candidateBatch)
		if err != nil {
			return false, err
		}
		for _, it := range top {
			if !agent.CanRun(it.Requires) {
				continue
			}
			candidates = append(candidates, workCandidate{
				priority:  it.Priority,
				createdAt: it.CreatedAt,
				item:      it,
			})
			break // only the best runnable item per queue competes
		}
	}

	for {
		best := pick(candidates, agent.LastPackage)
		if best < 0 {
			return false, nil
		}
		c := candidates[best]
		granted, err := d.grant(ctx, agent, c, now)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
		// Lost the race on this candidate; try the next.
		candidates = append(candidates[:best], candidates[best+1:]...)
	}
}

// pick returns the index of the best candidate: priority desc, then
// FIFO; on a priority tie, a package the agent already ran wins.
func pick(candidates []workCandidate, lastPackage string) int {
	best := -1
	for i, c := range candidates {
		if best < 0 {
			best = i
			continue
		}
		b := candidates[best]
		switch {
		case c.priority != b.priority:
			if c.priority > b.priority {
				best = i
			}
		case lastPackage != "" && (c.pkg == lastPackage) != (b.pkg == lastPackage):
			if c.pkg == lastPackage {
				best = i
			}
		case c.createdAt.Before(b.createdAt):
			best = i
		}
	}
	return best
}

// grant leases the candidate to the agent and queues the run command.
// Returns false when another cycle won the candidate first.
func (d *Dispatcher) grant(ctx context.Context, agent *model.Agent, c workCandidate, now time.Time) (bool, error) {
	if c.item != nil {
		// Lease flips the agent to busy itself.
		it, err := d.queues.Lease(ctx, c.item.QueueID, agent.ID)
		if err != nil {
			return false, err
		}
		if it == nil {
			return false, nil
		}
		d.agents.EnqueueCommand(agent.ID, model.Command{
			Kind:         model.CommandRunItem,
			ItemID:       it.ID,
			LeaseEpoch:   it.LeaseEpoch,
			LeaseExpires: *it.LeaseExpires,
			Payload:      it.Payload,
		})
		leasesGranted.WithLabelValues("item").Inc()
		return true, nil
	}

	timeout := time.Duration(c.job.TimeoutSeconds) * time.Second
	err := d.execs.Assign(ctx, c.ex, agent.ID, timeout)
	if errors.Is(err, store.ErrVersionConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	d.agents.EnqueueCommand(agent.ID, model.Command{
		Kind:           model.CommandRunExecution,
		ExecutionID:    c.ex.ID,
		LeaseEpoch:     c.ex.LeaseEpoch,
		LeaseExpires:   *c.ex.LeaseExpires,
		Package:        c.job.Package,
		Parameters:     c.ex.Parameters,
		TimeoutSeconds: c.job.TimeoutSeconds,
	})
	leasesGranted.WithLabelValues("execution").Inc()
	return true, d.markBusy(ctx, agent, c.job.Package)
}

// markBusy flips the agent to busy so the next cycle skips it. A CAS
// conflict means a heartbeat updated the row; the status catches up on
// the next beat.
func (d *Dispatcher) markBusy(ctx context.Context, agent *model.Agent, pkg string) error {
	agent.Status = model.AgentBusy
	if pkg != "" {
		agent.LastPackage = pkg
	}
	agent.UpdatedAt = d.Now()
	err := d.store.UpdateAgent(ctx, agent)
	if errors.Is(err, store.ErrVersionConflict) {
		return nil
	}
	return err
}

// holdsWork reports whether the agent holds any leased item or
// execution, regardless of what its status column claims.
func (d *Dispatcher) holdsWork(ctx context.Context, agentID string) (bool, error) {
	items, err := d.store.ListItemsLeasedBy(ctx, agentID)
	if err != nil {
		return false, err
	}
	if len(items) > 0 {
		return true, nil
	}
	execs, err := d.store.ListExecutionsLeasedBy(ctx, agentID)
	if err != nil {
		return false, err
	}
	return len(execs) > 0, nil
}

func (d *Dispatcher) job(ctx context.Context, cache map[string]*model.Job, jobID string) (*model.Job, error) {
	if j, ok := cache[jobID]; ok {
		return j, nil
	}
	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cache[jobID] = j
	return j, nil
}
