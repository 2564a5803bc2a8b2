// Package dispatch implements the Dispatch Loop (C7): the single logical
// per-worker task that polls due JobRuns from the preload cache, re-validates
// them against the durable store, claims them with a CAS transition, and
// hands them off to the execution subsystem.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/scheduler/internal/model"
)

// Queue is the subset of the preload cache the dispatch loop consumes.
type Queue interface {
	PollDue(bucketID int, now int64) []model.JobRun
	Requeue(bucketID int, jr model.JobRun)
}

// RunStore is the subset of the durable store the dispatch loop and the
// shared Handoff helper need.
type RunStore interface {
	GetJobRun(ctx context.Context, id int64) (model.JobRun, bool, error)
	GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error)
	CASJobRunStatus(ctx context.Context, id int64, from []model.RunStatus, to model.RunStatus, reason model.Reason, message string, now int64) (bool, model.JobRun, error)
}

// DefinitionLookup is the subset of the job-info cache the dispatch loop needs.
type DefinitionLookup interface {
	Get(ctx context.Context, workflowID, jobID string) (model.JobDefinition, bool)
}

// TerminalHook is invoked once a handed-off JobRun reaches a terminal status,
// so the dependency propagator can walk its downstream edges. jr reflects
// the post-CAS row.
type TerminalHook func(ctx context.Context, jr model.JobRun, jd model.JobDefinition)

// Loop is the per-worker dispatch loop.
type Loop struct {
	self           string
	store          RunStore
	defs           DefinitionLookup
	queue          Queue
	executor       Executor
	ownedBuckets   func() []int
	maxConcurrency int
	tickInterval   time.Duration
	onTerminal     TerminalHook
	nowFn          func() time.Time

	wake chan struct{}

	mu      sync.Mutex
	running int
}

// New constructs a dispatch Loop for worker self.
func New(self string, store RunStore, defs DefinitionLookup, queue Queue, executor Executor, ownedBuckets func() []int, maxConcurrency int, tickInterval time.Duration, onTerminal TerminalHook) *Loop {
	return &Loop{
		self:           self,
		store:          store,
		defs:           defs,
		queue:          queue,
		executor:       executor,
		ownedBuckets:   ownedBuckets,
		maxConcurrency: maxConcurrency,
		tickInterval:   tickInterval,
		onTerminal:     onTerminal,
		nowFn:          time.Now,
		wake:           make(chan struct{}, 1),
	}
}

// Wake nudges the loop to run a tick immediately instead of waiting for the
// next timer, e.g. on a jobrun.enqueued bus signal. Non-blocking.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Running returns the current in-flight execution count, for metrics.
func (l *Loop) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		case <-l.wake:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	now := l.nowFn().UnixMilli()
	for _, b := range l.ownedBuckets() {
		if l.capacity() <= 0 {
			return
		}
		due := l.queue.PollDue(b, now)
		for i, jr := range due {
			if l.capacity() <= 0 {
				for _, leftover := range due[i:] {
					l.queue.Requeue(b, leftover)
				}
				return
			}
			l.dispatchOne(ctx, b, jr, now)
		}
	}
}

func (l *Loop) capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxConcurrency - l.running
}

func (l *Loop) dispatchOne(ctx context.Context, bucketID int, cached model.JobRun, now int64) {
	current, found, err := l.store.GetJobRun(ctx, cached.ID)
	if err != nil {
		slog.Warn("dispatch: re-read failed", "job_run_id", cached.ID, "error", err)
		return
	}
	if !found || current.Status != model.StatusWaiting {
		return // stale read: already claimed, cancelled, or gone
	}
	if !current.Ready() {
		return // not ready; C8 re-enqueues when parents complete
	}

	wr, found, err := l.store.GetWorkflowRun(ctx, current.WorkflowRunID)
	if err != nil || !found {
		slog.Warn("dispatch: workflow run lookup failed", "workflow_run_id", current.WorkflowRunID, "error", err)
		return
	}
	jd, ok := l.defs.Get(ctx, wr.WorkflowID, current.JobID)
	if !ok {
		if ok2, _, err := l.store.CASJobRunStatus(ctx, current.ID, []model.RunStatus{model.StatusWaiting}, model.StatusCancelled, model.ReasonDefinitionMissing, "job definition withdrawn", now); err != nil || !ok2 {
			if err != nil {
				slog.Warn("dispatch: cancel-on-missing-definition failed", "job_run_id", current.ID, "error", err)
			}
		}
		return
	}

	ok, updated, err := l.store.CASJobRunStatus(ctx, current.ID, []model.RunStatus{model.StatusWaiting}, model.StatusRunning, model.ReasonNone, "", now)
	if err != nil {
		slog.Warn("dispatch: CAS to RUNNING failed", "job_run_id", current.ID, "error", err)
		return
	}
	if !ok {
		return // another worker claimed it first
	}

	l.mu.Lock()
	l.running++
	l.mu.Unlock()

	Handoff(ctx, l.store, l.executor, updated, jd, l.onTerminal, func(delta int) {
		l.mu.Lock()
		l.running += delta
		l.mu.Unlock()
	})
}

// HandoffNow performs an out-of-band execution hand-off for a JobRun that
// the dependency propagator just unblocked via its trigger-lock CAS,
// sharing this loop's running-count bookkeeping and capacity accounting.
func (l *Loop) HandoffNow(ctx context.Context, jr model.JobRun, jd model.JobDefinition) {
	l.mu.Lock()
	l.running++
	l.mu.Unlock()

	Handoff(ctx, l.store, l.executor, jr, jd, l.onTerminal, func(delta int) {
		l.mu.Lock()
		l.running += delta
		l.mu.Unlock()
	})
}

// Handoff executes jr against executor in a background goroutine (execution
// hand-off is asynchronous even though the loop itself is single-threaded)
// and persists the resulting terminal status via CAS, invoking onTerminal on
// success so the dependency propagator can continue the chain. Shared with
// the propagator's own direct-dispatch path for a just-unblocked child.
func Handoff(parentCtx context.Context, store RunStore, executor Executor, jr model.JobRun, jd model.JobDefinition, onTerminal TerminalHook, runningDelta func(int)) {
	go func() {
		if runningDelta != nil {
			defer runningDelta(-1)
		}

		req := ExecuteRequest{
			JobRunID:      jr.ID,
			WorkflowRunID: jr.WorkflowRunID,
			JobID:         jr.JobID,
			JobType:       jd.JobType,
			Params:        jd.Params,
			RetryCount:    jr.RetryCount,
		}

		resp, execErr := executor.Execute(parentCtx, req)

		var to model.RunStatus
		var message string
		switch {
		case execErr != nil:
			to = model.StatusFail
			message = execErr.Error()
		case !resp.Accepted:
			to = model.StatusFail
			message = "execution rejected"
		case resp.Success:
			to = model.StatusSuccess
		default:
			to = model.StatusFail
			message = resp.Message
		}

		now := time.Now().UnixMilli()
		ok, updated, err := store.CASJobRunStatus(parentCtx, jr.ID, []model.RunStatus{model.StatusRunning}, to, model.ReasonNone, message, now)
		if err != nil {
			slog.Error("dispatch: terminal CAS failed", "job_run_id", jr.ID, "error", err)
			return
		}
		if !ok {
			return // already completed via another path (e.g. a timeout or cancellation)
		}
		if onTerminal != nil {
			onTerminal(parentCtx, updated, jd)
		}
	}()
}
