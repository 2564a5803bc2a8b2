package propagator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/scheduler/internal/model"
)

type fakeStore struct {
	mu   sync.Mutex
	runs map[int64]model.JobRun
	wrs  map[string]model.WorkflowRun
	deps map[int64][]model.JobRunDependency // parentRunID -> children
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs: make(map[int64]model.JobRun),
		wrs:  make(map[string]model.WorkflowRun),
		deps: make(map[int64][]model.JobRunDependency),
	}
}

func (f *fakeStore) GetWorkflowRun(ctx context.Context, id string) (model.WorkflowRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wr, ok := f.wrs[id]
	return wr, ok, nil
}

func (f *fakeStore) PutWorkflowRun(ctx context.Context, wr model.WorkflowRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrs[wr.ID] = wr
	return nil
}

func (f *fakeStore) CASJobRunStatus(ctx context.Context, id int64, from []model.RunStatus, to model.RunStatus, reason model.Reason, message string, now int64) (bool, model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jr, ok := f.runs[id]
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
	if message != "" {
		jr.Message = message
	}
	f.runs[id] = jr
	return true, jr, nil
}

func (f *fakeStore) RetryJobRun(ctx context.Context, id int64, retryAt int64) (model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jr := f.runs[id]
	jr.Status = model.StatusWaiting
	jr.RetryCount++
	jr.TriggerTime = retryAt
	jr.Reason = model.ReasonNone
	f.runs[id] = jr
	return jr, nil
}

func (f *fakeStore) AppendCompletedParent(ctx context.Context, childID, parentID int64) (model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jr := f.runs[childID]
	for _, p := range jr.CompletedParentIDs {
		if p == parentID {
			return jr, nil
		}
	}
	jr.CompletedParentIDs = append(jr.CompletedParentIDs, parentID)
	f.runs[childID] = jr
	return jr, nil
}

func (f *fakeStore) ListChildrenOf(ctx context.Context, parentRunID int64) ([]model.JobRunDependency, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deps[parentRunID], nil
}

func (f *fakeStore) ListJobRunsByWorkflowRun(ctx context.Context, workflowRunID string) ([]model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.JobRun
	for _, jr := range f.runs {
		if jr.WorkflowRunID == workflowRunID {
			out = append(out, jr)
		}
	}
	return out, nil
}

type fakeDefs struct {
	defs map[string]model.JobDefinition
}

func (d *fakeDefs) Get(ctx context.Context, workflowID, jobID string) (model.JobDefinition, bool) {
	jd, ok := d.defs[jobID]
	return jd, ok
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []model.JobRun
}

func (d *fakeDispatcher) HandoffNow(ctx context.Context, jr model.JobRun, jd model.JobDefinition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, jr)
}

func TestPropagateSuccessDispatchesReadyChild(t *testing.T) {
	store := newFakeStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1"}
	store.runs[1] = model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "parent", Status: model.StatusSuccess}
	store.runs[2] = model.JobRun{ID: 2, WorkflowRunID: "wr1", JobID: "child", Status: model.StatusWaiting, ParentRunIDs: []int64{1}}
	store.deps[1] = []model.JobRunDependency{{WorkflowRunID: "wr1", JobRunID: 2, ParentRunID: 1}}

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"child": {ID: "child", WorkflowID: "w1"}}}
	dispatcher := &fakeDispatcher{}

	p := New(store, defs, dispatcher, nil)
	p.HandleCompletion(context.Background(), store.runs[1], model.JobDefinition{ID: "parent", WorkflowID: "w1"})

	require.Len(t, dispatcher.calls, 1)
	require.Equal(t, int64(2), dispatcher.calls[0].ID)
	require.Equal(t, model.StatusRunning, store.runs[2].Status)
}

func TestPropagateWaitsForAllParents(t *testing.T) {
	store := newFakeStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1"}
	store.runs[1] = model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "p1", Status: model.StatusSuccess}
	store.runs[2] = model.JobRun{ID: 2, WorkflowRunID: "wr1", JobID: "p2", Status: model.StatusRunning}
	store.runs[3] = model.JobRun{ID: 3, WorkflowRunID: "wr1", JobID: "child", Status: model.StatusWaiting, ParentRunIDs: []int64{1, 2}}
	store.deps[1] = []model.JobRunDependency{{WorkflowRunID: "wr1", JobRunID: 3, ParentRunID: 1}}

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"child": {ID: "child", WorkflowID: "w1"}}}
	dispatcher := &fakeDispatcher{}

	p := New(store, defs, dispatcher, nil)
	p.HandleCompletion(context.Background(), store.runs[1], model.JobDefinition{ID: "p1", WorkflowID: "w1"})

	require.Empty(t, dispatcher.calls, "child with an incomplete parent must not be dispatched")
	require.Equal(t, model.StatusWaiting, store.runs[3].Status)
	require.Equal(t, []int64{1}, store.runs[3].CompletedParentIDs)
}

func TestHandleNonSuccessRetriesWithinBudget(t *testing.T) {
	store := newFakeStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1", Status: model.StatusRunning}
	store.runs[1] = model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", Status: model.StatusFail, RetryCount: 0}

	defs := &fakeDefs{}
	p := New(store, defs, &fakeDispatcher{}, nil)
	jd := model.JobDefinition{ID: "j1", WorkflowID: "w1", RetryBudget: 2, RetryInterval: time.Second}

	p.HandleCompletion(context.Background(), store.runs[1], jd)

	retried := store.runs[1]
	require.Equal(t, model.StatusWaiting, retried.Status)
	require.Equal(t, 1, retried.RetryCount)
	require.Equal(t, model.StatusRunning, store.wrs["wr1"].Status, "a retry must not fail the workflow run")
}

func TestHandleNonSuccessCascadesCancelOnFailFast(t *testing.T) {
	store := newFakeStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1", Status: model.StatusRunning}
	store.runs[1] = model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", Status: model.StatusFail, RetryCount: 0}
	store.runs[2] = model.JobRun{ID: 2, WorkflowRunID: "wr1", JobID: "j2", Status: model.StatusWaiting, ParentRunIDs: []int64{1}}
	store.deps[1] = []model.JobRunDependency{{WorkflowRunID: "wr1", JobRunID: 2, ParentRunID: 1}}

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"j2": {ID: "j2", WorkflowID: "w1", CascadePolicy: model.CascadeFailFast}}}
	dispatcher := &fakeDispatcher{}
	p := New(store, defs, dispatcher, nil)

	jd := model.JobDefinition{ID: "j1", WorkflowID: "w1", RetryBudget: 0}
	p.HandleCompletion(context.Background(), store.runs[1], jd)

	require.Empty(t, dispatcher.calls)
	require.Equal(t, model.StatusCancelled, store.runs[2].Status)
	require.Equal(t, model.ReasonParentFailed, store.runs[2].Reason)
	require.Equal(t, model.StatusFail, store.wrs["wr1"].Status)
}

func TestHandleNonSuccessBestEffortDispatchesChild(t *testing.T) {
	store := newFakeStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1", Status: model.StatusRunning}
	store.runs[1] = model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", Status: model.StatusFail, RetryCount: 0}
	store.runs[2] = model.JobRun{ID: 2, WorkflowRunID: "wr1", JobID: "j2", Status: model.StatusWaiting, ParentRunIDs: []int64{1}}
	store.deps[1] = []model.JobRunDependency{{WorkflowRunID: "wr1", JobRunID: 2, ParentRunID: 1}}

	defs := &fakeDefs{defs: map[string]model.JobDefinition{"j2": {ID: "j2", WorkflowID: "w1", CascadePolicy: model.CascadeBestEffort}}}
	dispatcher := &fakeDispatcher{}
	p := New(store, defs, dispatcher, nil)

	jd := model.JobDefinition{ID: "j1", WorkflowID: "w1", RetryBudget: 0}
	p.HandleCompletion(context.Background(), store.runs[1], jd)

	require.Len(t, dispatcher.calls, 1)
	require.Equal(t, model.StatusRunning, store.runs[2].Status)
}

func TestWorkflowRunMarkedSuccessWhenAllJobsTerminal(t *testing.T) {
	store := newFakeStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1", Status: model.StatusRunning}
	store.runs[1] = model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", Status: model.StatusSuccess}
	store.runs[2] = model.JobRun{ID: 2, WorkflowRunID: "wr1", JobID: "j2", Status: model.StatusSuccess}

	p := New(store, &fakeDefs{}, &fakeDispatcher{}, nil)
	p.HandleCompletion(context.Background(), store.runs[2], model.JobDefinition{ID: "j2", WorkflowID: "w1"})

	require.Equal(t, model.StatusSuccess, store.wrs["wr1"].Status, "the last leaf job succeeding must complete the workflow run")
}

func TestWorkflowRunLeftRunningWhileSiblingStillActive(t *testing.T) {
	store := newFakeStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1", Status: model.StatusRunning}
	store.runs[1] = model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "j1", Status: model.StatusSuccess}
	store.runs[2] = model.JobRun{ID: 2, WorkflowRunID: "wr1", JobID: "j2", Status: model.StatusRunning}

	p := New(store, &fakeDefs{}, &fakeDispatcher{}, nil)
	p.HandleCompletion(context.Background(), store.runs[1], model.JobDefinition{ID: "j1", WorkflowID: "w1"})

	require.Equal(t, model.StatusRunning, store.wrs["wr1"].Status, "a still-running sibling must not complete the workflow run")
}

func TestMissingDefinitionCancelsChild(t *testing.T) {
	store := newFakeStore()
	store.wrs["wr1"] = model.WorkflowRun{ID: "wr1", WorkflowID: "w1"}
	store.runs[1] = model.JobRun{ID: 1, WorkflowRunID: "wr1", JobID: "parent", Status: model.StatusSuccess}
	store.runs[2] = model.JobRun{ID: 2, WorkflowRunID: "wr1", JobID: "withdrawn", Status: model.StatusWaiting, ParentRunIDs: []int64{1}}
	store.deps[1] = []model.JobRunDependency{{WorkflowRunID: "wr1", JobRunID: 2, ParentRunID: 1}}

	defs := &fakeDefs{defs: map[string]model.JobDefinition{}}
	dispatcher := &fakeDispatcher{}
	p := New(store, defs, dispatcher, nil)

	p.HandleCompletion(context.Background(), store.runs[1], model.JobDefinition{ID: "parent", WorkflowID: "w1"})

	require.Empty(t, dispatcher.calls)
	require.Equal(t, model.StatusCancelled, store.runs[2].Status)
	require.Equal(t, model.ReasonDefinitionMissing, store.runs[2].Reason)
}
