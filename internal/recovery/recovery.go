// Package recovery implements the Recovery Engine (C10): a once-at-boot scan
// that re-materializes any workflow occurrence missed while the scheduler was
// offline and force-fails orphaned RUNNING JobRuns left behind by a worker
// that never came back, grounded on the teacher's own startup reconciliation
// pass in cancellation.go/persistence.go.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/scheduler/internal/model"
)

// Store is the subset of the durable store the recovery engine needs.
type Store interface {
	ListWorkflowRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.WorkflowRun, error)
	FindWorkflowRunByTriggerTime(ctx context.Context, workflowID string, triggerTime int64) (model.WorkflowRun, bool, error)
	ListJobRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.JobRun, error)
	CASJobRunStatus(ctx context.Context, id int64, from []model.RunStatus, to model.RunStatus, reason model.Reason, message string, now int64) (bool, model.JobRun, error)
}

// Regenerator is the subset of the Workflow Run Generator the recovery
// engine drives directly, reusing the §4.7 generation procedure rather than
// duplicating it.
type Regenerator interface {
	GenerateAt(ctx context.Context, workflowID string, triggerTime int64) error
}

// AliveLister reports the worker addresses currently within the liveness
// window, satisfied by *registry.Registry.
type AliveLister interface {
	ListAlive(ctx context.Context) ([]string, error)
}

// TerminalHook is invoked for every JobRun force-failed as worker_lost, so
// the caller can route it through the dependency propagator's cascade, the
// same as any other terminal transition.
type TerminalHook func(ctx context.Context, jr model.JobRun, jd model.JobDefinition)

// DefinitionLookup resolves a JobRun's owning JobDefinition for the
// TerminalHook call.
type DefinitionLookup interface {
	Get(ctx context.Context, workflowID, jobID string) (model.JobDefinition, bool)
}

// WorkflowRunLookup resolves a JobRun's WorkflowID, needed to look up its
// JobDefinition.
type WorkflowRunLookup interface {
	GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error)
}

// Engine runs the recovery pass exactly once, at process startup.
type Engine struct {
	store  Store
	regen  Regenerator
	alive  AliveLister
	wrs    WorkflowRunLookup
	defs   DefinitionLookup
	onFail TerminalHook
	nowFn  func() time.Time
}

// New constructs a recovery Engine.
func New(store Store, regen Regenerator, alive AliveLister, wrs WorkflowRunLookup, defs DefinitionLookup, onFail TerminalHook) *Engine {
	return &Engine{store: store, regen: regen, alive: alive, wrs: wrs, defs: defs, onFail: onFail, nowFn: time.Now}
}

// Run performs the full recovery pass: missed-occurrence regeneration, then
// orphaned-RUNNING-JobRun reconciliation. Errors are logged, not returned —
// a partial recovery pass (e.g. one workflow's regeneration failing) must not
// block the scheduler from starting and handling everything else.
func (e *Engine) Run(ctx context.Context) {
	e.regenerateMissedOccurrences(ctx)
	e.reconcileOrphanedRuns(ctx)
}

func (e *Engine) regenerateMissedOccurrences(ctx context.Context) {
	runningWRs, err := e.store.ListWorkflowRunsByStatus(ctx, model.StatusRunning)
	if err != nil {
		slog.Error("recovery: list running workflow runs failed", "error", err)
		return
	}

	for _, wr := range runningWRs {
		if wr.NextTriggerTime <= 0 {
			continue
		}
		_, found, err := e.store.FindWorkflowRunByTriggerTime(ctx, wr.WorkflowID, wr.NextTriggerTime)
		if err != nil {
			slog.Error("recovery: check existing occurrence failed", "workflow_id", wr.WorkflowID, "trigger_time", wr.NextTriggerTime, "error", err)
			continue
		}
		if found {
			continue
		}
		if err := e.regen.GenerateAt(ctx, wr.WorkflowID, wr.NextTriggerTime); err != nil {
			slog.Error("recovery: regenerate missed occurrence failed", "workflow_id", wr.WorkflowID, "trigger_time", wr.NextTriggerTime, "error", err)
			continue
		}
		slog.Info("recovery: regenerated missed occurrence", "workflow_id", wr.WorkflowID, "trigger_time", wr.NextTriggerTime)
	}
}

func (e *Engine) reconcileOrphanedRuns(ctx context.Context) {
	running, err := e.store.ListJobRunsByStatus(ctx, model.StatusRunning)
	if err != nil {
		slog.Error("recovery: list running job runs failed", "error", err)
		return
	}
	if len(running) == 0 {
		return
	}

	aliveList, err := e.alive.ListAlive(ctx)
	if err != nil {
		slog.Error("recovery: list alive workers failed", "error", err)
		return
	}
	alive := make(map[string]struct{}, len(aliveList))
	for _, a := range aliveList {
		alive[a] = struct{}{}
	}

	now := e.nowFn().UnixMilli()
	for _, jr := range running {
		if jr.WorkerID != "" {
			if _, ok := alive[jr.WorkerID]; ok {
				continue // owning worker is still live; leave it running
			}
		}

		ok, failed, err := e.store.CASJobRunStatus(ctx, jr.ID, []model.RunStatus{model.StatusRunning}, model.StatusFail, model.ReasonWorkerLost, "owning worker missed its liveness window", now)
		if err != nil {
			slog.Error("recovery: force-fail orphaned job run failed", "job_run_id", jr.ID, "error", err)
			continue
		}
		if !ok {
			continue // already transitioned by something else between the list and here
		}
		slog.Warn("recovery: force-failed orphaned job run", "job_run_id", jr.ID, "worker_id", jr.WorkerID)

		if e.onFail == nil {
			continue
		}
		wfRun, found, err := e.wrs.GetWorkflowRun(ctx, failed.WorkflowRunID)
		if err != nil || !found {
			slog.Warn("recovery: workflow run lookup for orphan cascade failed", "job_run_id", failed.ID, "error", err)
			continue
		}
		jd, ok := e.defs.Get(ctx, wfRun.WorkflowID, failed.JobID)
		if !ok {
			continue
		}
		e.onFail(ctx, failed, jd)
	}
}
