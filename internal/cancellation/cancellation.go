// Package cancellation implements the ambient §4.10 cancellation component:
// a CancellationManager that tracks in-flight WorkflowRun executions by id
// and cancels them on demand, grounded on the teacher's own
// CancellationManager in cancellation.go, re-homed from per-process
// execution tracking to the durable store's batch JobRun update plus a
// local context.CancelFunc registry for in-process executor goroutines.
package cancellation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/scheduler/internal/model"
)

// Store is the subset of the durable store the cancellation manager needs.
type Store interface {
	CancelWorkflowRunJobs(ctx context.Context, workflowRunID string, now int64) ([]model.JobRun, error)
	PutWorkflowRun(ctx context.Context, wr model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error)
}

// Status is the local tracking status of a registered WorkflowRun, distinct
// from model.RunStatus: it exists only to bound the in-memory registry's
// lifetime, not as durable state.
type Status string

const (
	StatusTracking  Status = "tracking"
	StatusCancelled Status = "cancelled"
	StatusDone      Status = "done"
)

type tracked struct {
	cancelFunc  context.CancelFunc
	epoch       int
	status      Status
	cancelledAt time.Time
	doneAt      time.Time
}

// Manager tracks in-flight WorkflowRun executions and exposes Cancel.
type Manager struct {
	mu     sync.RWMutex
	active map[string]*tracked

	store         Store
	cancellations metric.Int64Counter
	tracer        trace.Tracer
	nowFn         func() time.Time
}

// New constructs a Manager.
func New(store Store, meter metric.Meter) *Manager {
	cancellations, _ := meter.Int64Counter("scheduler_workflow_cancellations_total")
	return &Manager{
		active:        make(map[string]*tracked),
		store:         store,
		cancellations: cancellations,
		tracer:        otel.Tracer("scheduler-cancellation"),
		nowFn:         time.Now,
	}
}

// Register starts tracking workflowRunID so a later Cancel can invoke
// cancelFunc, waking any in-process executor goroutine blocked on ctx.Done().
func (m *Manager) Register(workflowRunID string, cancelFunc context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[workflowRunID] = &tracked{cancelFunc: cancelFunc, status: StatusTracking}
}

// Cancel writes CANCELLED to every non-terminal JobRun of workflowRunID in
// one batch update, bumps the run's local cancellation epoch, marks the
// WorkflowRun CANCELLED, and — if an execution goroutine is registered for
// this run on this worker — invokes its context.CancelFunc so it observes
// ctx.Done() at its next yield point. A run with no local registration (it
// may be tracked only on another worker, or may have no in-flight
// goroutine at all) is still cancelled at the store level; Cancel never
// requires local tracking to succeed.
func (m *Manager) Cancel(ctx context.Context, workflowRunID string, reason string) error {
	ctx, span := m.tracer.Start(ctx, "cancellation.cancel",
		trace.WithAttributes(
			attribute.String("workflow_run_id", workflowRunID),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	now := m.nowFn()
	cancelledJobs, err := m.store.CancelWorkflowRunJobs(ctx, workflowRunID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("cancel workflow run jobs: %w", err)
	}

	if wr, found, err := m.store.GetWorkflowRun(ctx, workflowRunID); err == nil && found && !wr.Status.IsTerminal() {
		wr.Status = model.StatusCancelled
		wr.EndTime = now.UnixMilli()
		if err := m.store.PutWorkflowRun(ctx, wr); err != nil {
			return fmt.Errorf("mark workflow run cancelled: %w", err)
		}
	}

	m.mu.Lock()
	t, exists := m.active[workflowRunID]
	if !exists {
		t = &tracked{status: StatusTracking}
		m.active[workflowRunID] = t
	}
	t.epoch++
	t.status = StatusCancelled
	t.cancelledAt = now
	if t.cancelFunc != nil {
		t.cancelFunc()
	}
	m.mu.Unlock()

	m.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	span.AddEvent("workflow_run_cancelled")
	_ = cancelledJobs
	return nil
}

// Epoch returns workflowRunID's current cancellation epoch and whether it is
// tracked at all. An in-process executor compares the epoch it captured at
// start time against the current one at each yield point to detect
// cancellation without needing the CancelFunc's context directly in scope.
func (m *Manager) Epoch(workflowRunID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[workflowRunID]
	if !ok {
		return 0, false
	}
	return t.epoch, true
}

// Complete marks a tracked execution as done, eligible for cleanup after the
// retention window.
func (m *Manager) Complete(workflowRunID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.active[workflowRunID]; ok && t.status != StatusCancelled {
		t.status = StatusDone
		t.doneAt = m.nowFn()
	}
}

// Cleanup evicts tracked entries whose terminal status is older than
// retentionPeriod, returning the count evicted.
func (m *Manager) Cleanup(retentionPeriod time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	cleaned := 0
	for id, t := range m.active {
		if t.status == StatusTracking {
			continue
		}
		completionTime := t.doneAt
		if t.status == StatusCancelled {
			completionTime = t.cancelledAt
		}
		if !completionTime.IsZero() && now.Sub(completionTime) > retentionPeriod {
			delete(m.active, id)
			cleaned++
		}
	}
	return cleaned
}

// RunCleanupLoop runs periodic cleanup until ctx is cancelled, matching the
// teacher's StartCleanupLoop shape.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval, retentionPeriod time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(retentionPeriod)
		}
	}
}
