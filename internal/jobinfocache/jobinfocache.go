// Package jobinfocache implements the Job-Info Cache (C5): a hot
// read-through in-memory mirror of JobDefinition rows, grounded on the
// teacher's memCache/warmCache pattern in its workflow store.
package jobinfocache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmguard/scheduler/internal/model"
)

// Store is the subset of the durable store the cache reads through to.
type Store interface {
	GetJobDefinition(ctx context.Context, workflowID, jobID string) (model.JobDefinition, bool, error)
	ListJobDefinitions(ctx context.Context, workflowID string) ([]model.JobDefinition, error)
	ListPublishedWorkflows(ctx context.Context) ([]model.Workflow, error)
}

// Cache is the hot read-through JobDefinition cache.
type Cache struct {
	store           Store
	refreshInterval time.Duration

	mu      sync.RWMutex
	byJobID map[string]model.JobDefinition
}

// New constructs a Cache with a full-refresh cadence of refreshInterval
// (default 5 minutes per the component design).
func New(store Store, refreshInterval time.Duration) *Cache {
	return &Cache{
		store:           store,
		refreshInterval: refreshInterval,
		byJobID:         make(map[string]model.JobDefinition),
	}
}

// Get returns the JobDefinition for jobID, falling back to an on-miss
// lookup against the durable store. Consumers must tolerate ok=false as
// "definition withdrawn", not an error.
func (c *Cache) Get(ctx context.Context, workflowID, jobID string) (model.JobDefinition, bool) {
	c.mu.RLock()
	jd, ok := c.byJobID[jobID]
	c.mu.RUnlock()
	if ok {
		return jd, true
	}

	jd, found, err := c.store.GetJobDefinition(ctx, workflowID, jobID)
	if err != nil {
		slog.Warn("job-info cache on-miss lookup failed", "job_id", jobID, "error", err)
		return model.JobDefinition{}, false
	}
	if !found {
		return model.JobDefinition{}, false
	}
	c.mu.Lock()
	c.byJobID[jobID] = jd
	c.mu.Unlock()
	return jd, true
}

// RefreshAll reloads every JobDefinition of every PUBLISHED workflow. Run
// once at startup and then on the refreshInterval ticker.
func (c *Cache) RefreshAll(ctx context.Context) error {
	workflows, err := c.store.ListPublishedWorkflows(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]model.JobDefinition)
	for _, wf := range workflows {
		defs, err := c.store.ListJobDefinitions(ctx, wf.ID)
		if err != nil {
			slog.Warn("job-info cache refresh failed for workflow", "workflow_id", wf.ID, "error", err)
			continue
		}
		for _, jd := range defs {
			fresh[jd.ID] = jd
		}
	}
	c.mu.Lock()
	c.byJobID = fresh
	c.mu.Unlock()
	return nil
}

// Run starts the periodic full-refresh loop; it returns when ctx is done.
func (c *Cache) Run(ctx context.Context) {
	if err := c.RefreshAll(ctx); err != nil {
		slog.Error("job-info cache initial refresh failed", "error", err)
	}
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshAll(ctx); err != nil {
				slog.Warn("job-info cache periodic refresh failed", "error", err)
			}
		}
	}
}

// Len returns the number of cached definitions, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byJobID)
}
