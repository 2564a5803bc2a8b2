package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/scheduler/internal/model"
)

type fakeStore struct {
	runningWRs    []model.WorkflowRun
	existingOccur map[string]bool // workflow_id|trigger_time
	runningJRs    []model.JobRun
	wrs           map[string]model.WorkflowRun
	jrs           map[int64]model.JobRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{existingOccur: map[string]bool{}, wrs: map[string]model.WorkflowRun{}, jrs: map[int64]model.JobRun{}}
}

func (f *fakeStore) ListWorkflowRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.WorkflowRun, error) {
	return f.runningWRs, nil
}

func (f *fakeStore) FindWorkflowRunByTriggerTime(ctx context.Context, workflowID string, triggerTime int64) (model.WorkflowRun, bool, error) {
	key := occurKey(workflowID, triggerTime)
	if f.existingOccur[key] {
		return model.WorkflowRun{WorkflowID: workflowID, TriggerTime: triggerTime}, true, nil
	}
	return model.WorkflowRun{}, false, nil
}

func (f *fakeStore) ListJobRunsByStatus(ctx context.Context, status model.RunStatus) ([]model.JobRun, error) {
	return f.runningJRs, nil
}

func (f *fakeStore) CASJobRunStatus(ctx context.Context, id int64, from []model.RunStatus, to model.RunStatus, reason model.Reason, message string, now int64) (bool, model.JobRun, error) {
	jr, ok := f.jrs[id]
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
	f.jrs[id] = jr
	return true, jr, nil
}

func (f *fakeStore) GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error) {
	wr, ok := f.wrs[id]
	return wr, ok, nil
}

func occurKey(workflowID string, triggerTime int64) string {
	return workflowID + "|" + time.UnixMilli(triggerTime).String()
}

type fakeRegen struct {
	calls []string
}

func (r *fakeRegen) GenerateAt(ctx context.Context, workflowID string, triggerTime int64) error {
	r.calls = append(r.calls, occurKey(workflowID, triggerTime))
	return nil
}

type fakeAlive struct {
	addrs []string
}

func (a *fakeAlive) ListAlive(ctx context.Context) ([]string, error) {
	return a.addrs, nil
}

type fakeDefs struct {
	defs map[string]model.JobDefinition
}

func (d *fakeDefs) Get(ctx context.Context, workflowID, jobID string) (model.JobDefinition, bool) {
	jd, ok := d.defs[jobID]
	return jd, ok
}

func TestRegeneratesMissedOccurrenceWhenAbsent(t *testing.T) {
	store := newFakeStore()
	store.runningWRs = []model.WorkflowRun{{ID: "wr1", WorkflowID: "w1", Status: model.StatusRunning, NextTriggerTime: 1000}}

	regen := &fakeRegen{}
	alive := &fakeAlive{}
	defs := &fakeDefs{defs: map[string]model.JobDefinition{}}

	e := New(store, regen, alive, store, defs, nil)
	e.Run(context.Background())

	require.Equal(t, []string{occurKey("w1", 1000)}, regen.calls)
}

func TestSkipsRegenerationWhenOccurrenceAlreadyExists(t *testing.T) {
	store := newFakeStore()
	store.runningWRs = []model.WorkflowRun{{ID: "wr1", WorkflowID: "w1", Status: model.StatusRunning, NextTriggerTime: 1000}}
	store.existingOccur[occurKey("w1", 1000)] = true

	regen := &fakeRegen{}
	e := New(store, regen, &fakeAlive{}, store, &fakeDefs{defs: map[string]model.JobDefinition{}}, nil)
	e.Run(context.Background())

	require.Empty(t, regen.calls)
}

func TestSkipsWorkflowRunWithNoNextTriggerTime(t *testing.T) {
	store := newFakeStore()
	store.runningWRs = []model.WorkflowRun{{ID: "wr1", WorkflowID: "w1", Status: model.StatusRunning, NextTriggerTime: 0}}

	regen := &fakeRegen{}
	e := New(store, regen, &fakeAlive{}, store, &fakeDefs{defs: map[string]model.JobDefinition{}}, nil)
	e.Run(context.Background())

	require.Empty(t, regen.calls)
}

func TestForceFailsOrphanedJobRunAndInvokesHook(t *testing.T) {
	store := newFakeStore()
	store.runningJRs = []model.JobRun{{ID: 1, WorkflowRunID: "wr1", JobID: "j1", Status: model.StatusRunning, WorkerID: "dead-worker"}}
	store.jrs[1] = store.runningJRs[0]
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1"}

	var hookCalls []model.JobRun
	onFail := func(ctx context.Context, jr model.JobRun, jd model.JobDefinition) {
		hookCalls = append(hookCalls, jr)
	}

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"j1": {ID: "j1", WorkflowID: "w1"}}}
	e := New(store, &fakeRegen{}, &fakeAlive{addrs: []string{"live-worker"}}, store, defs, onFail)
	e.Run(context.Background())

	require.Equal(t, model.StatusFail, store.jrs[1].Status)
	require.Equal(t, model.ReasonWorkerLost, store.jrs[1].Reason)
	require.Len(t, hookCalls, 1)
	require.Equal(t, int64(1), hookCalls[0].ID)
}

func TestLiveWorkerRunIsLeftAlone(t *testing.T) {
	store := newFakeStore()
	store.runningJRs = []model.JobRun{{ID: 1, WorkflowRunID: "wr1", JobID: "j1", Status: model.StatusRunning, WorkerID: "live-worker"}}
	store.jrs[1] = store.runningJRs[0]

	e := New(store, &fakeRegen{}, &fakeAlive{addrs: []string{"live-worker"}}, store, &fakeDefs{defs: map[string]model.JobDefinition{}}, nil)
	e.Run(context.Background())

	require.Equal(t, model.StatusRunning, store.jrs[1].Status)
}
