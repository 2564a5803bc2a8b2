// Package propagator implements the Dependency Propagator (C8): on JobRun
// completion it walks downstream edges, advances each child's
// completed-parent set, and either dispatches or cascades a failure into a
// child that has just become ready, grounded on the teacher's
// buildDAG/executeDAG Kahn's-algorithm traversal in dag_engine.go repurposed
// from a compile-time DAG walk to a completion-driven one.
package propagator

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmguard/scheduler/internal/bus"
	"github.com/swarmguard/scheduler/internal/model"
)

// RunStore is the subset of the durable store the propagator needs.
type RunStore interface {
	GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error)
	PutWorkflowRun(ctx context.Context, wr model.WorkflowRun) error
	CASJobRunStatus(ctx context.Context, id int64, from []model.RunStatus, to model.RunStatus, reason model.Reason, message string, now int64) (bool, model.JobRun, error)
	RetryJobRun(ctx context.Context, id int64, retryAt int64) (model.JobRun, error)
	AppendCompletedParent(ctx context.Context, childID, parentID int64) (model.JobRun, error)
	ListChildrenOf(ctx context.Context, parentRunID int64) ([]model.JobRunDependency, error)
	ListJobRunsByWorkflowRun(ctx context.Context, workflowRunID string) ([]model.JobRun, error)
}

// DefinitionLookup is the subset of the job-info cache the propagator needs.
type DefinitionLookup interface {
	Get(ctx context.Context, workflowID, jobID string) (model.JobDefinition, bool)
}

// Dispatcher is the execution hand-off a just-unblocked child is routed
// through, satisfied by *dispatch.Loop.
type Dispatcher interface {
	HandoffNow(ctx context.Context, jr model.JobRun, jd model.JobDefinition)
}

// Propagator is the per-worker dependency propagator.
type Propagator struct {
	store      RunStore
	defs       DefinitionLookup
	dispatcher Dispatcher
	bus        *bus.Bus
	nowFn      func() time.Time
}

// New constructs a Propagator. bus may be nil (wake-signal publication is
// best-effort and purely advisory).
func New(store RunStore, defs DefinitionLookup, dispatcher Dispatcher, b *bus.Bus) *Propagator {
	return &Propagator{store: store, defs: defs, dispatcher: dispatcher, bus: b, nowFn: time.Now}
}

// HandleCompletion is the dispatch loop's TerminalHook: jr has already been
// persisted with a terminal status via CAS (step 1 of §4.8) by the caller.
// This continues from step 2: downstream propagation.
func (p *Propagator) HandleCompletion(ctx context.Context, jr model.JobRun, jd model.JobDefinition) {
	if jr.Status == model.StatusSuccess {
		p.propagate(ctx, jr, true)
		p.completeWorkflowRunIfDone(ctx, jr.WorkflowRunID)
		return
	}
	p.handleNonSuccess(ctx, jr, jd)
}

func (p *Propagator) handleNonSuccess(ctx context.Context, jr model.JobRun, jd model.JobDefinition) {
	now := p.nowFn().UnixMilli()

	if jr.Status == model.StatusFail && jd.RetryBudget > 0 && jr.RetryCount < jd.RetryBudget {
		retryAt := now + jd.RetryInterval.Milliseconds()
		if _, err := p.store.RetryJobRun(ctx, jr.ID, retryAt); err != nil {
			slog.Error("propagator: retry rewrite failed", "job_run_id", jr.ID, "error", err)
		}
		return
	}

	p.failWorkflowRun(ctx, jr)
	p.propagate(ctx, jr, false)
	p.completeWorkflowRunIfDone(ctx, jr.WorkflowRunID)
}

// completeWorkflowRunIfDone applies §3's WorkflowRun lifecycle rule: once
// every JobRun belonging to workflowRunID has reached a terminal status, and
// every one of them succeeded, the WorkflowRun itself becomes SUCCESS. A
// WorkflowRun already terminal (FAILed via failWorkflowRun, or CANCELLED via
// the cancellation manager) is left alone — this only ever adds the missing
// SUCCESS transition, never overrides one already decided.
func (p *Propagator) completeWorkflowRunIfDone(ctx context.Context, workflowRunID string) {
	wr, found, err := p.store.GetWorkflowRun(ctx, workflowRunID)
	if err != nil || !found || wr.Status.IsTerminal() {
		return
	}

	siblings, err := p.store.ListJobRunsByWorkflowRun(ctx, workflowRunID)
	if err != nil {
		slog.Error("propagator: listing workflow run's job runs failed", "workflow_run_id", workflowRunID, "error", err)
		return
	}
	if len(siblings) == 0 {
		return
	}
	for _, s := range siblings {
		if !s.Status.IsTerminal() || s.Status != model.StatusSuccess {
			return
		}
	}

	wr.Status = model.StatusSuccess
	wr.EndTime = p.nowFn().UnixMilli()
	if err := p.store.PutWorkflowRun(ctx, wr); err != nil {
		slog.Error("propagator: marking workflow run SUCCESS failed", "workflow_run_id", workflowRunID, "error", err)
	}
}

func (p *Propagator) failWorkflowRun(ctx context.Context, jr model.JobRun) {
	wr, found, err := p.store.GetWorkflowRun(ctx, jr.WorkflowRunID)
	if err != nil || !found || wr.Status.IsTerminal() {
		return
	}
	wr.Status = model.StatusFail
	wr.EndTime = p.nowFn().UnixMilli()
	if err := p.store.PutWorkflowRun(ctx, wr); err != nil {
		slog.Error("propagator: marking workflow run FAIL failed", "workflow_run_id", wr.ID, "error", err)
	}
}

// propagate walks jr's downstream edges. parentSucceeded tells each
// now-ready child whether its just-completed parent succeeded, so the
// cascade policy can decide whether to dispatch or cancel it.
func (p *Propagator) propagate(ctx context.Context, jr model.JobRun, parentSucceeded bool) {
	children, err := p.store.ListChildrenOf(ctx, jr.ID)
	if err != nil {
		slog.Error("propagator: listing children failed", "parent_run_id", jr.ID, "error", err)
		return
	}

	now := p.nowFn().UnixMilli()
	for _, dep := range children {
		child, err := p.store.AppendCompletedParent(ctx, dep.JobRunID, jr.ID)
		if err != nil {
			slog.Error("propagator: append completed parent failed", "child_run_id", dep.JobRunID, "error", err)
			continue
		}
		if !child.Ready() {
			continue
		}

		childWR, found, err := p.store.GetWorkflowRun(ctx, child.WorkflowRunID)
		if err != nil || !found {
			slog.Warn("propagator: child workflow run lookup failed", "child_run_id", child.ID, "error", err)
			continue
		}
		childJD, ok := p.defs.Get(ctx, childWR.WorkflowID, child.JobID)
		if !ok {
			if ok, _, err := p.store.CASJobRunStatus(ctx, child.ID, []model.RunStatus{model.StatusWaiting}, model.StatusCancelled, model.ReasonDefinitionMissing, "job definition withdrawn", now); err != nil || !ok {
				if err != nil {
					slog.Warn("propagator: cancel-on-missing-definition failed", "child_run_id", child.ID, "error", err)
				}
			}
			continue
		}

		cascadeAsFailure := !parentSucceeded && childJD.CascadePolicy != model.CascadeBestEffort
		if cascadeAsFailure {
			ok, cancelled, err := p.store.CASJobRunStatus(ctx, child.ID, []model.RunStatus{model.StatusWaiting}, model.StatusCancelled, model.ReasonParentFailed, "", now)
			if err != nil {
				slog.Error("propagator: cascade cancel failed", "child_run_id", child.ID, "error", err)
				continue
			}
			if !ok {
				continue // already claimed by a concurrent path
			}
			// A cancelled run is itself terminal: keep cascading so
			// not-yet-started grandchildren are cancelled too.
			p.propagate(ctx, cancelled, false)
			continue
		}

		ok, started, err := p.store.CASJobRunStatus(ctx, child.ID, []model.RunStatus{model.StatusWaiting}, model.StatusRunning, model.ReasonNone, "", now)
		if err != nil {
			slog.Error("propagator: trigger-lock CAS failed", "child_run_id", child.ID, "error", err)
			continue
		}
		if !ok {
			continue // another completion already fired the trigger lock
		}

		if p.bus != nil {
			if err := p.bus.PublishJSON(ctx, bus.SubjectJobRunEnqueued, bus.JobRunEnqueuedEvent{JobRunID: started.ID, BucketID: started.BucketID}); err != nil {
				slog.Warn("propagator: publish jobrun.enqueued failed", "job_run_id", started.ID, "error", err)
			}
		}

		if p.dispatcher == nil {
			// No execution-side hand-off available: roll back so another
			// completion (or the next dispatch tick) can retry the trigger.
			if _, _, err := p.store.CASJobRunStatus(ctx, started.ID, []model.RunStatus{model.StatusRunning}, model.StatusWaiting, model.ReasonNone, "", now); err != nil {
				slog.Error("propagator: rollback after failed hand-off failed", "job_run_id", started.ID, "error", err)
			}
			continue
		}
		p.dispatcher.HandoffNow(ctx, started, childJD)
	}
}
