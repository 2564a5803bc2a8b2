// Package preload implements the Preload Cache (C6): per-bucket, per-worker
// in-memory queues of soon-due JobRuns fetched from the durable store on
// bucket acquisition, kept fresh by incremental fetches and a periodic
// janitor, grounded on the teacher's TTL/LRU ResultCache in dag_engine.go.
package preload

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/scheduler/internal/model"
)

// Store is the subset of the durable store the preload cache reads from.
type Store interface {
	FetchBucketWaitingRuns(ctx context.Context, bucketID int, beforeTriggerTime int64, limit int) ([]model.JobRun, error)
	GetJobRun(ctx context.Context, id int64) (model.JobRun, bool, error)
}

// Cache is the per-worker preload cache: one queue per owned bucket plus a
// capped, global dedup set of JobRun ids.
type Cache struct {
	store        Store
	batchSize    int
	maxCachedIDs int
	horizon      time.Duration
	nowFn        func() time.Time

	mu         sync.Mutex
	queues     map[int][]model.JobRun
	dedup      map[int64]int // job run id -> bucket id, for janitor reconciliation
	maxSeenID  map[int]int64
	capHits    int
}

// New constructs a Cache. batchSize and maxCachedIDs match
// preload-batch-size and preload-max-cached-ids; horizon bounds how far
// into the future a bucketAcquired fetch looks.
func New(store Store, batchSize, maxCachedIDs int, horizon time.Duration) *Cache {
	return &Cache{
		store:        store,
		batchSize:    batchSize,
		maxCachedIDs: maxCachedIDs,
		horizon:      horizon,
		nowFn:        time.Now,
		queues:       make(map[int][]model.JobRun),
		dedup:        make(map[int64]int),
		maxSeenID:    make(map[int]int64),
	}
}

// OnBucketAcquired performs the initial bulk fetch for a newly-owned bucket:
// all WAITING JobRuns due within the horizon, ordered by trigger time.
func (c *Cache) OnBucketAcquired(ctx context.Context, bucketID int) error {
	before := c.nowFn().Add(c.horizon).UnixMilli()
	runs, err := c.store.FetchBucketWaitingRuns(ctx, bucketID, before, c.batchSize)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.queues[bucketID][:0]
	var maxSeen int64
	for _, r := range runs {
		if _, exists := c.dedup[r.ID]; exists {
			continue
		}
		if len(c.dedup) >= c.maxCachedIDs {
			c.capHits++
			slog.Warn("preload cache dedup set at capacity, refusing insert", "job_run_id", r.ID)
			continue
		}
		c.dedup[r.ID] = bucketID
		queue = append(queue, r)
		if r.ID > maxSeen {
			maxSeen = r.ID
		}
	}
	sortQueue(queue)
	c.queues[bucketID] = queue
	c.maxSeenID[bucketID] = maxSeen
	return nil
}

// OnBucketLost drops bucketID's queue and removes its ids from the dedup set.
func (c *Cache) OnBucketLost(bucketID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.queues[bucketID] {
		delete(c.dedup, r.ID)
	}
	delete(c.queues, bucketID)
	delete(c.maxSeenID, bucketID)
}

// OnJobRunEnqueued performs the steady-state incremental fetch: a single new
// JobRun id (published by C8/C9) is fetched and, if still WAITING and not
// already cached, appended to its bucket's queue. Callers must only invoke
// this for buckets they currently own.
func (c *Cache) OnJobRunEnqueued(ctx context.Context, bucketID int, jobRunID int64) error {
	c.mu.Lock()
	if _, exists := c.dedup[jobRunID]; exists {
		c.mu.Unlock()
		return nil
	}
	if len(c.dedup) >= c.maxCachedIDs {
		c.capHits++
		c.mu.Unlock()
		slog.Warn("preload cache dedup set at capacity, refusing insert", "job_run_id", jobRunID)
		return nil
	}
	c.mu.Unlock()

	jr, found, err := c.store.GetJobRun(ctx, jobRunID)
	if err != nil {
		return err
	}
	if !found || jr.Status != model.StatusWaiting {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.dedup[jobRunID]; exists {
		return nil
	}
	c.dedup[jobRunID] = bucketID
	c.queues[bucketID] = append(c.queues[bucketID], jr)
	sortQueue(c.queues[bucketID])
	if jobRunID > c.maxSeenID[bucketID] {
		c.maxSeenID[bucketID] = jobRunID
	}
	return nil
}

// PollDue removes and returns every queued entry in bucketID with
// trigger_time <= now, in non-decreasing trigger-time order (ties by id).
func (c *Cache) PollDue(bucketID int, now int64) []model.JobRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.queues[bucketID]
	i := 0
	var due []model.JobRun
	for i < len(queue) && queue[i].TriggerTime <= now {
		due = append(due, queue[i])
		delete(c.dedup, queue[i].ID)
		i++
	}
	c.queues[bucketID] = queue[i:]
	return due
}

// Requeue reinserts jr at the front of bucketID's queue, preserving trigger
// order. Used by the dispatch loop when it polls more due entries than its
// remaining execution capacity can accept this tick.
func (c *Cache) Requeue(bucketID int, jr model.JobRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.dedup[jr.ID]; exists {
		return
	}
	c.dedup[jr.ID] = bucketID
	c.queues[bucketID] = append(c.queues[bucketID], jr)
	sortQueue(c.queues[bucketID])
}

// Janitor reconciles the dedup set against the queues to prevent drift,
// intended to run on a 30s ticker as a safety net alongside the event-driven
// incremental fetch path.
func (c *Cache) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcile()
		}
	}
}

func (c *Cache) reconcile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fresh := make(map[int64]int)
	for bucketID, queue := range c.queues {
		for _, r := range queue {
			fresh[r.ID] = bucketID
		}
	}
	dropped := len(c.dedup) - len(fresh)
	c.dedup = fresh
	if dropped > 0 {
		slog.Debug("preload cache janitor reconciled dedup set", "dropped", dropped)
	}
}

// QueueDepth returns the number of queued entries across all owned buckets,
// for metrics and tests.
func (c *Cache) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, q := range c.queues {
		n += len(q)
	}
	return n
}

func sortQueue(q []model.JobRun) {
	sort.Slice(q, func(i, j int) bool {
		if q[i].TriggerTime != q[j].TriggerTime {
			return q[i].TriggerTime < q[j].TriggerTime
		}
		return q[i].ID < q[j].ID
	})
}
