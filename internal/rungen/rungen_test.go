package rungen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/scheduler/internal/model"
)

type fakeStore struct {
	mu            sync.Mutex
	workflows     []model.Workflow
	jobDefs       map[string][]model.JobDefinition
	nextTrigger   map[string]int64
	generateCalls int
	occurrences   map[string]bool // workflow_id|trigger_time -> inserted
	lastJobRuns   []model.JobRun
	nextID        int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobDefs:     make(map[string][]model.JobDefinition),
		nextTrigger: make(map[string]int64),
		occurrences: make(map[string]bool),
	}
}

func (f *fakeStore) ListPublishedWorkflows(ctx context.Context) ([]model.Workflow, error) {
	return f.workflows, nil
}

func (f *fakeStore) GetWorkflow(ctx context.Context, id string) (model.Workflow, bool, error) {
	for _, wf := range f.workflows {
		if wf.ID == id {
			return wf, true, nil
		}
	}
	return model.Workflow{}, false, nil
}

func (f *fakeStore) ListJobDefinitions(ctx context.Context, workflowID string) ([]model.JobDefinition, error) {
	return f.jobDefs[workflowID], nil
}

func (f *fakeStore) GetNextTriggerTime(ctx context.Context, workflowID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.nextTrigger[workflowID]
	return t, ok, nil
}

func (f *fakeStore) SetNextTriggerTime(ctx context.Context, workflowID string, t int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTrigger[workflowID] = t
	return nil
}

func (f *fakeStore) GenerateOccurrence(ctx context.Context, wr model.WorkflowRun, bucketCount int, overrides map[string]int64) (bool, []model.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generateCalls++

	key := wr.WorkflowID + "|" + timeKey(wr.TriggerTime)
	if f.occurrences[key] {
		return false, nil, nil
	}
	f.occurrences[key] = true

	jds := f.jobDefs[wr.WorkflowID]
	parentsOf := map[string][]string{}
	// This fake models no dependency edges: every job without an override
	// gets wr.TriggerTime.
	_ = parentsOf

	var runs []model.JobRun
	for _, jd := range jds {
		tt := int64(0)
		if override, ok := overrides[jd.ID]; ok {
			tt = override
		} else {
			tt = wr.TriggerTime
		}
		f.nextID++
		runs = append(runs, model.JobRun{ID: f.nextID, WorkflowRunID: wr.ID, JobID: jd.ID, Status: model.StatusWaiting, TriggerTime: tt})
	}
	f.lastJobRuns = runs
	return true, runs, nil
}

func timeKey(t int64) string {
	return time.UnixMilli(t).UTC().String()
}

func TestBootstrapSchedulesFirstOccurrenceWithoutGenerating(t *testing.T) {
	store := newFakeStore()
	store.workflows = []model.Workflow{{ID: "w1", Status: model.WorkflowPublished, TriggerKind: model.TriggerFixedRate, TriggerValue: "1m"}}

	g := New(store, nil, 16, time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.nowFn = func() time.Time { return now }

	g.Tick(context.Background())

	require.Equal(t, 0, store.generateCalls, "bootstrap tick must not generate a run")
	next, found, err := store.GetNextTriggerTime(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, now.Add(time.Minute).UnixMilli(), next)
}

func TestGeneratesOccurrenceWhenNextTriggerHasArrived(t *testing.T) {
	store := newFakeStore()
	store.workflows = []model.Workflow{{ID: "w1", Status: model.WorkflowPublished, TriggerKind: model.TriggerFixedRate, TriggerValue: "1m"}}
	store.jobDefs["w1"] = []model.JobDefinition{{ID: "j1", WorkflowID: "w1"}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.nextTrigger["w1"] = now.UnixMilli()

	g := New(store, nil, 16, time.Second)
	g.nowFn = func() time.Time { return now }

	g.Tick(context.Background())

	require.Equal(t, 1, store.generateCalls)
	require.Len(t, store.lastJobRuns, 1)
	require.Equal(t, now.UnixMilli(), store.lastJobRuns[0].TriggerTime, "parentless job inherits the workflow trigger time")

	next, found, err := store.GetNextTriggerTime(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, now.Add(time.Minute).UnixMilli(), next, "cursor must advance past the fired occurrence")
}

func TestSkipsFutureTrigger(t *testing.T) {
	store := newFakeStore()
	store.workflows = []model.Workflow{{ID: "w1", Status: model.WorkflowPublished, TriggerKind: model.TriggerFixedRate, TriggerValue: "1m"}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.nextTrigger["w1"] = now.Add(time.Hour).UnixMilli()

	g := New(store, nil, 16, time.Second)
	g.nowFn = func() time.Time { return now }

	g.Tick(context.Background())

	require.Equal(t, 0, store.generateCalls)
}

func TestCronTriggerAdvancesToNextMinuteBoundary(t *testing.T) {
	store := newFakeStore()
	store.workflows = []model.Workflow{{ID: "w1", Status: model.WorkflowPublished, TriggerKind: model.TriggerCron, TriggerValue: "0 * * * * *"}}
	store.jobDefs["w1"] = []model.JobDefinition{{ID: "j1", WorkflowID: "w1"}}

	now := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	store.nextTrigger["w1"] = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	g := New(store, nil, 16, time.Second)
	g.nowFn = func() time.Time { return now }

	g.Tick(context.Background())

	require.Equal(t, 1, store.generateCalls)
	next, found, err := store.GetNextTriggerTime(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC).UnixMilli(), next)
}

func TestFiveFieldCronTriggerParsesWithoutSecondsField(t *testing.T) {
	store := newFakeStore()
	store.workflows = []model.Workflow{{ID: "w1", Status: model.WorkflowPublished, TriggerKind: model.TriggerCron, TriggerValue: "*/5 * * * *"}}
	store.jobDefs["w1"] = []model.JobDefinition{{ID: "j1", WorkflowID: "w1"}}

	now := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	store.nextTrigger["w1"] = time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC).UnixMilli()

	g := New(store, nil, 16, time.Second)
	g.nowFn = func() time.Time { return now }

	g.Tick(context.Background())

	require.Equal(t, 1, store.generateCalls, "a standard 5-field cron expression must parse and generate its due occurrence")
	next, found, err := store.GetNextTriggerTime(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC).UnixMilli(), next)
}

func TestManualTriggerNeverGenerates(t *testing.T) {
	store := newFakeStore()
	store.workflows = []model.Workflow{{ID: "w1", Status: model.WorkflowPublished, TriggerKind: model.TriggerManual}}

	g := New(store, nil, 16, time.Second)
	g.nowFn = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	g.Tick(context.Background())

	require.Equal(t, 0, store.generateCalls)
	_, found, _ := store.GetNextTriggerTime(context.Background(), "w1")
	require.False(t, found, "manual workflows never get a next-trigger cursor")
}

func TestJobLevelOverrideTriggerTimeIsUsedInsteadOfWorkflowTrigger(t *testing.T) {
	store := newFakeStore()
	store.workflows = []model.Workflow{{ID: "w1", Status: model.WorkflowPublished, TriggerKind: model.TriggerFixedRate, TriggerValue: "1m"}}
	store.jobDefs["w1"] = []model.JobDefinition{
		{ID: "default", WorkflowID: "w1"},
		{ID: "delayed", WorkflowID: "w1", TriggerKind: model.TriggerFixedRate, TriggerValue: "5m"},
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.nextTrigger["w1"] = now.UnixMilli()

	g := New(store, nil, 16, time.Second)
	g.nowFn = func() time.Time { return now }

	g.Tick(context.Background())

	require.Len(t, store.lastJobRuns, 2)
	byJobID := map[string]model.JobRun{}
	for _, jr := range store.lastJobRuns {
		byJobID[jr.JobID] = jr
	}
	require.Equal(t, now.UnixMilli(), byJobID["default"].TriggerTime)
	require.Equal(t, now.Add(5*time.Minute).UnixMilli(), byJobID["delayed"].TriggerTime)
}

func TestIdempotentGenerationSkipsWhenOccurrenceAlreadyExists(t *testing.T) {
	store := newFakeStore()
	store.workflows = []model.Workflow{{ID: "w1", Status: model.WorkflowPublished, TriggerKind: model.TriggerFixedRate, TriggerValue: "1m"}}
	store.jobDefs["w1"] = []model.JobDefinition{{ID: "j1", WorkflowID: "w1"}}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.nextTrigger["w1"] = now.UnixMilli()
	// Simulate another scheduler instance having already generated this
	// occurrence just before this tick runs.
	store.occurrences["w1|"+timeKey(now.UnixMilli())] = true

	g := New(store, nil, 16, time.Second)
	g.nowFn = func() time.Time { return now }

	g.Tick(context.Background())

	require.Equal(t, 1, store.generateCalls, "GenerateOccurrence is still called")
	require.Nil(t, store.lastJobRuns, "a losing race must not produce job runs")

	next, found, err := store.GetNextTriggerTime(context.Background(), "w1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, now.Add(time.Minute).UnixMilli(), next, "cursor still advances on a lost race, or the instance would spin forever")
}
