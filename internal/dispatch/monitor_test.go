package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/scheduler/internal/model"
)

type fakeMonitorStore struct {
	running   []model.JobRun
	byID      map[int64]model.JobRun
	wrs       map[string]model.WorkflowRun
	workflows map[string]model.Workflow
}

func newFakeMonitorStore() *fakeMonitorStore {
	return &fakeMonitorStore{byID: map[int64]model.JobRun{}, wrs: map[string]model.WorkflowRun{}, workflows: map[string]model.Workflow{}}
}

func (f *fakeMonitorStore) ListJobRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.JobRun, error) {
	var out []model.JobRun
	for _, jr := range f.running {
		if jr.Status == status {
			out = append(out, jr)
		}
	}
	return out, nil
}

func (f *fakeMonitorStore) GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error) {
	wr, ok := f.wrs[id]
	return wr, ok, nil
}

func (f *fakeMonitorStore) GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error) {
	wf, ok := f.workflows[id]
	return wf, ok, nil
}

func (f *fakeMonitorStore) CASJobRunStatus(ctx context.Context, id int64, from []model.RunStatus, to model.RunStatus, reason model.Reason, message string, now int64) (bool, model.JobRun, error) {
	jr, ok := f.byID[id]
	if !ok {
		return false, model.JobRun{}, nil
	}
	matched := false
	for _, s := range from {
		if jr.Status == s {
			matched = true
		}
	}
	if !matched {
		return false, jr, nil
	}
	jr.Status = to
	jr.Reason = reason
	jr.EndTime = now
	f.byID[id] = jr
	for i, r := range f.running {
		if r.ID == id {
			f.running[i] = jr
		}
	}
	return true, jr, nil
}

func TestMonitorForcesTimeoutPastDeadline(t *testing.T) {
	store := newFakeMonitorStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1"}
	jr := model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", BucketID: 3, Status: model.StatusRunning, StartTime: 1_000_000}
	store.running = []model.JobRun{jr}
	store.byID[1] = jr

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"j1": {ID: "j1", WorkflowID: "w1", Timeout: 5 * time.Second}}}

	var hooked []model.JobRun
	onTerminal := func(ctx context.Context, jr model.JobRun, jd model.JobDefinition) { hooked = append(hooked, jr) }

	m := NewMonitor(store, defs, func() []int { return []int{3} }, time.Second, onTerminal)
	m.nowFn = func() time.Time { return time.UnixMilli(1_000_000 + 6_000) }

	m.Tick(context.Background())

	require.Equal(t, model.StatusTimeout, store.byID[1].Status)
	require.Len(t, hooked, 1)
}

func TestMonitorLeavesRunWithinDeadlineAlone(t *testing.T) {
	store := newFakeMonitorStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1"}
	jr := model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", BucketID: 3, Status: model.StatusRunning, StartTime: 1_000_000}
	store.running = []model.JobRun{jr}
	store.byID[1] = jr

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"j1": {ID: "j1", WorkflowID: "w1", Timeout: 5 * time.Second}}}

	m := NewMonitor(store, defs, func() []int { return []int{3} }, time.Second, nil)
	m.nowFn = func() time.Time { return time.UnixMilli(1_000_000 + 1_000) }

	m.Tick(context.Background())

	require.Equal(t, model.StatusRunning, store.byID[1].Status)
}

func TestMonitorIgnoresRunsInUnownedBuckets(t *testing.T) {
	store := newFakeMonitorStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1"}
	jr := model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", BucketID: 9, Status: model.StatusRunning, StartTime: 1_000_000}
	store.running = []model.JobRun{jr}
	store.byID[1] = jr

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"j1": {ID: "j1", WorkflowID: "w1", Timeout: 5 * time.Second}}}

	m := NewMonitor(store, defs, func() []int { return []int{3} }, time.Second, nil)
	m.nowFn = func() time.Time { return time.UnixMilli(1_000_000 + 60_000) }

	m.Tick(context.Background())

	require.Equal(t, model.StatusRunning, store.byID[1].Status, "bucket 9 is not owned by this worker")
}

func TestMonitorFallsBackToWorkflowDefaultTimeout(t *testing.T) {
	store := newFakeMonitorStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1"}
	store.workflows["w1"] = model.Workflow{ID: "w1", DefaultTimeout: 2 * time.Second}
	jr := model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", BucketID: 3, Status: model.StatusRunning, StartTime: 1_000_000}
	store.running = []model.JobRun{jr}
	store.byID[1] = jr

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"j1": {ID: "j1", WorkflowID: "w1"}}}

	m := NewMonitor(store, defs, func() []int { return []int{3} }, time.Second, nil)
	m.nowFn = func() time.Time { return time.UnixMilli(1_000_000 + 3_000) }

	m.Tick(context.Background())

	require.Equal(t, model.StatusTimeout, store.byID[1].Status)
}
