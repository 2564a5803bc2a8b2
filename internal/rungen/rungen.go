// Package rungen implements the Workflow Run Generator (C9): a periodic
// (once-a-second) scan of PUBLISHED workflows that materializes the next
// occurrence of any workflow whose trigger time has arrived, grounded on the
// teacher's cron-backed scheduler.go but reshaped from a callback-registration
// model (cron.Cron.AddFunc with an in-process goroutine per schedule) into a
// stateless periodic scan driven by robfig/cron/v3's Schedule.Next, since the
// generator must be safely runnable from every scheduler instance at once
// rather than own a single process-wide cron runtime.
package rungen

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/scheduler/internal/bus"
	"github.com/swarmguard/scheduler/internal/model"
)

// DefaultTickInterval is the generator's scan cadence.
const DefaultTickInterval = time.Second

// Store is the subset of the durable store the generator needs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error)
	ListPublishedWorkflows(ctx context.Context) ([]model.Workflow, error)
	ListJobDefinitions(ctx context.Context, workflowID string) ([]model.JobDefinition, error)
	GetNextTriggerTime(ctx context.Context, workflowID string) (int64, bool, error)
	SetNextTriggerTime(ctx context.Context, workflowID string, t int64) error
	GenerateOccurrence(ctx context.Context, wr model.WorkflowRun, bucketCount int, jobTriggerOverrides map[string]int64) (bool, []model.JobRun, error)
}

// Generator is the per-instance run generator; every scheduler instance runs
// one, and GenerateOccurrence's uniqueness check makes concurrent instances
// racing the same occurrence idempotent.
type Generator struct {
	store        Store
	bus          *bus.Bus
	bucketCount  int
	tickInterval time.Duration
	nowFn        func() time.Time
}

// New constructs a Generator. b may be nil: no jobrun.enqueued event is then
// published, and newly generated runs reach a worker's preload cache only
// through its bucket-acquired fetch.
func New(store Store, b *bus.Bus, bucketCount int, tickInterval time.Duration) *Generator {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Generator{store: store, bus: b, bucketCount: bucketCount, tickInterval: tickInterval, nowFn: time.Now}
}

// Run blocks, scanning on tickInterval until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Tick scans every PUBLISHED workflow once.
func (g *Generator) Tick(ctx context.Context) {
	workflows, err := g.store.ListPublishedWorkflows(ctx)
	if err != nil {
		slog.Error("rungen: list published workflows failed", "error", err)
		return
	}
	now := g.nowFn()
	for _, wf := range workflows {
		g.processWorkflow(ctx, wf, now)
	}
}

func (g *Generator) processWorkflow(ctx context.Context, wf model.Workflow, now time.Time) {
	sched, err := parseSchedule(wf.TriggerKind, wf.TriggerValue)
	if err != nil {
		slog.Error("rungen: invalid workflow schedule", "workflow_id", wf.ID, "error", err)
		return
	}
	if sched == nil {
		return // MANUAL/API: no periodic occurrence to generate
	}

	next, found, err := g.store.GetNextTriggerTime(ctx, wf.ID)
	if err != nil {
		slog.Error("rungen: read next trigger time failed", "workflow_id", wf.ID, "error", err)
		return
	}
	if !found {
		// Bootstrap: schedule the first future occurrence without
		// generating a backfill run for every tick since this workflow was
		// published.
		first := sched.Next(now).UnixMilli()
		if err := g.store.SetNextTriggerTime(ctx, wf.ID, first); err != nil {
			slog.Error("rungen: bootstrap next trigger time failed", "workflow_id", wf.ID, "error", err)
		}
		return
	}
	if next > now.UnixMilli() {
		return
	}

	g.generate(ctx, wf, next, sched)
}

// GenerateAt materializes a specific occurrence of workflowID at triggerTime,
// used by the Recovery Engine (C10) to re-run the §4.7 generation procedure
// for the single most-recent missed occurrence found at startup. It is a
// no-op for a workflow with no periodic schedule (MANUAL/API, or since
// deleted/unpublished).
func (g *Generator) GenerateAt(ctx context.Context, workflowID string, triggerTime int64) error {
	wf, found, err := g.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if !found || wf.Status != model.WorkflowPublished {
		return nil
	}
	sched, err := parseSchedule(wf.TriggerKind, wf.TriggerValue)
	if err != nil || sched == nil {
		return err
	}
	g.generate(ctx, wf, triggerTime, sched)
	return nil
}

func (g *Generator) generate(ctx context.Context, wf model.Workflow, triggerTime int64, sched schedule) {
	jds, err := g.store.ListJobDefinitions(ctx, wf.ID)
	if err != nil {
		slog.Error("rungen: list job definitions failed", "workflow_id", wf.ID, "error", err)
		return
	}

	overrides := make(map[string]int64)
	triggerInstant := time.UnixMilli(triggerTime)
	for _, jd := range jds {
		if jd.TriggerKind == "" {
			continue
		}
		jobSched, err := parseSchedule(jd.TriggerKind, jd.TriggerValue)
		if err != nil {
			slog.Warn("rungen: invalid job override schedule, falling back to default rule", "workflow_id", wf.ID, "job_id", jd.ID, "error", err)
			continue
		}
		if jobSched == nil {
			continue
		}
		overrides[jd.ID] = jobSched.Next(triggerInstant).UnixMilli()
	}

	newNext := sched.Next(triggerInstant).UnixMilli()

	wr := model.WorkflowRun{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		TenantID:        wf.TenantID,
		TriggerKind:     wf.TriggerKind,
		TriggerTime:     triggerTime,
		Status:          model.StatusWaiting,
		NextTriggerTime: newNext,
	}

	inserted, jobRuns, err := g.store.GenerateOccurrence(ctx, wr, g.bucketCount, overrides)
	if err != nil {
		slog.Error("rungen: generate occurrence failed", "workflow_id", wf.ID, "trigger_time", triggerTime, "error", err)
		return
	}

	// Whether this instance won the race to insert the occurrence or lost it
	// to a concurrent scheduler instance, the cursor must advance: otherwise
	// every instance that lost the race would spin on the same past
	// trigger_time forever.
	if err := g.store.SetNextTriggerTime(ctx, wf.ID, newNext); err != nil {
		slog.Error("rungen: advance next trigger time failed", "workflow_id", wf.ID, "error", err)
	}
	if !inserted {
		return
	}

	if g.bus == nil {
		return
	}
	for _, jr := range jobRuns {
		if err := g.bus.PublishJSON(ctx, bus.SubjectJobRunEnqueued, bus.JobRunEnqueuedEvent{JobRunID: jr.ID, BucketID: jr.BucketID}); err != nil {
			slog.Warn("rungen: publish jobrun.enqueued failed", "job_run_id", jr.ID, "error", err)
		}
	}
}
