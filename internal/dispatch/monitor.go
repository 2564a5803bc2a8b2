package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/scheduler/internal/model"
)

// MonitorStore is the subset of the durable store the timeout monitor needs.
type MonitorStore interface {
	ListJobRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.JobRun, error)
	GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error)
	GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error)
	CASJobRunStatus(ctx context.Context, id int64, from []model.RunStatus, to model.RunStatus, reason model.Reason, message string, now int64) (bool, model.JobRun, error)
}

// Monitor is the per-worker RUNNING-deadline scanner described in §5: each
// RUNNING JobRun has a deadline of start_time+timeout; once the deadline
// passes, the monitor forces TIMEOUT so the dependency propagator can
// continue the chain the same way it would for any other terminal status.
// It does not signal the execution subsystem to abort, and a TIMEOUT does not
// bump the cancellation manager's epoch (only a workflow-run Cancel does), so
// the executor is not told that its run timed out.
type Monitor struct {
	store        MonitorStore
	defs         DefinitionLookup
	ownedBuckets func() []int
	tickInterval time.Duration
	onTerminal   TerminalHook
	nowFn        func() time.Time
}

// NewMonitor constructs a timeout Monitor.
func NewMonitor(store MonitorStore, defs DefinitionLookup, ownedBuckets func() []int, tickInterval time.Duration, onTerminal TerminalHook) *Monitor {
	return &Monitor{store: store, defs: defs, ownedBuckets: ownedBuckets, tickInterval: tickInterval, onTerminal: onTerminal, nowFn: time.Now}
}

// Run blocks, scanning on tickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick scans every RUNNING JobRun in an owned bucket once.
func (m *Monitor) Tick(ctx context.Context) {
	owned := make(map[int]struct{})
	for _, b := range m.ownedBuckets() {
		owned[b] = struct{}{}
	}
	if len(owned) == 0 {
		return
	}

	running, err := m.store.ListJobRunsByStatus(ctx, model.StatusRunning)
	if err != nil {
		slog.Error("dispatch monitor: list running job runs failed", "error", err)
		return
	}

	now := m.nowFn().UnixMilli()
	for _, jr := range running {
		if _, ok := owned[jr.BucketID]; !ok {
			continue
		}
		if jr.StartTime == 0 {
			continue
		}
		timeout := m.resolveTimeout(ctx, jr)
		if timeout <= 0 {
			continue
		}
		if now < jr.StartTime+timeout.Milliseconds() {
			continue
		}

		ok, updated, err := m.store.CASJobRunStatus(ctx, jr.ID, []model.RunStatus{model.StatusRunning}, model.StatusTimeout, model.ReasonNone, "deadline exceeded", now)
		if err != nil {
			slog.Error("dispatch monitor: timeout CAS failed", "job_run_id", jr.ID, "error", err)
			continue
		}
		if !ok {
			continue // already completed through another path
		}
		slog.Warn("dispatch monitor: forced timeout", "job_run_id", jr.ID, "deadline_ms", jr.StartTime+timeout.Milliseconds())

		if m.onTerminal == nil {
			continue
		}
		wr, found, err := m.store.GetWorkflowRun(ctx, updated.WorkflowRunID)
		if err != nil || !found {
			continue
		}
		jd, ok := m.defs.Get(ctx, wr.WorkflowID, updated.JobID)
		if !ok {
			continue
		}
		m.onTerminal(ctx, updated, jd)
	}
}

func (m *Monitor) resolveTimeout(ctx context.Context, jr model.JobRun) time.Duration {
	wr, found, err := m.store.GetWorkflowRun(ctx, jr.WorkflowRunID)
	if err != nil || !found {
		return 0
	}
	if jd, ok := m.defs.Get(ctx, wr.WorkflowID, jr.JobID); ok && jd.Timeout > 0 {
		return jd.Timeout
	}
	wf, found, err := m.store.GetWorkflow(ctx, wr.WorkflowID)
	if err != nil || !found {
		return 0
	}
	return wf.DefaultTimeout
}
