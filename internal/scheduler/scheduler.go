// Package scheduler composes C1-C10 plus the ambient tasks into one running
// process. It replaces the dependency-injected-singleton style the teacher's
// orchestrator used (package-level stores reached into directly by HTTP
// handlers) with a single explicit Context value that every long-running
// task receives as a plain argument — no process-wide globals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/scheduler/internal/bucketmgr"
	"github.com/swarmguard/scheduler/internal/bus"
	"github.com/swarmguard/scheduler/internal/cancellation"
	"github.com/swarmguard/scheduler/internal/config"
	"github.com/swarmguard/scheduler/internal/dispatch"
	"github.com/swarmguard/scheduler/internal/jobinfocache"
	"github.com/swarmguard/scheduler/internal/model"
	"github.com/swarmguard/scheduler/internal/preload"
	"github.com/swarmguard/scheduler/internal/propagator"
	"github.com/swarmguard/scheduler/internal/recovery"
	"github.com/swarmguard/scheduler/internal/registry"
	"github.com/swarmguard/scheduler/internal/resilience"
	"github.com/swarmguard/scheduler/internal/rungen"
	"github.com/swarmguard/scheduler/internal/store"
	"github.com/swarmguard/scheduler/internal/telemetry"
)

// Context holds handles to every C1-C10 collaborator this process runs,
// passed explicitly to each long-running task rather than reached into via
// package-level state.
type Context struct {
	Self   string
	Config config.Config

	Store        *store.Store
	Registry     *registry.Registry
	BucketMgr    *bucketmgr.Manager
	JobInfoCache *jobinfocache.Cache
	Preload      *preload.Cache
	Bus          *bus.Bus
	Dispatch     *dispatch.Loop
	Monitor      *dispatch.Monitor
	Propagator   *propagator.Propagator
	Generator    *rungen.Generator
	Recovery     *recovery.Engine
	Cancellation *cancellation.Manager

	Metrics telemetry.Metrics
}

// Build wires every component together for worker address self. rdb and b
// may be long-lived clients owned by the caller, closed on shutdown.
func Build(self string, cfg config.Config, st *store.Store, rdb *redis.Client, b *bus.Bus, metrics telemetry.Metrics, executor dispatch.Executor) *Context {
	reg := registry.New(rdb, cfg.LivenessWindow())
	bucketMgr := bucketmgr.New(self, cfg.BucketCount, cfg.RebalanceCheckInterval, b, metrics.RebalanceCount)
	jic := jobinfocache.New(st, 5*time.Minute)
	rateLimitedStore := &rateLimitedPreloadStore{
		Store:   st,
		limiter: resilience.NewRateLimiter(int64(cfg.PreloadBatchSize), float64(cfg.PreloadBatchSize)/5, time.Second, int64(cfg.PreloadBatchSize)*4),
	}
	pl := preload.New(rateLimitedStore, cfg.PreloadBatchSize, cfg.PreloadMaxCachedIDs, 24*time.Hour)

	breaker := resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 20, 0.5, 30*time.Second, 5)
	guardedExecutor := dispatch.NewCircuitBreakerExecutor(executor, breaker)

	var prop *propagator.Propagator
	dispatchLoop := dispatch.New(self, st, jic, pl, guardedExecutor, bucketMgr.Owned, 64, cfg.DispatchTickInterval, func(ctx context.Context, jr model.JobRun, jd model.JobDefinition) {
		if prop != nil {
			prop.HandleCompletion(ctx, jr, jd)
		}
	})
	prop = propagator.New(st, jic, dispatchLoop, b)

	monitor := dispatch.NewMonitor(st, jic, bucketMgr.Owned, time.Second, func(ctx context.Context, jr model.JobRun, jd model.JobDefinition) {
		prop.HandleCompletion(ctx, jr, jd)
	})

	generator := rungen.New(st, b, cfg.BucketCount, rungen.DefaultTickInterval)

	cancelMgr := cancellation.New(st, otel.Meter("scheduler-cancellation"))

	recoveryEngine := recovery.New(st, generator, reg, st, jic, func(ctx context.Context, jr model.JobRun, jd model.JobDefinition) {
		prop.HandleCompletion(ctx, jr, jd)
	})

	bucketMgr.OnAcquired(func(b int) {
		if err := pl.OnBucketAcquired(context.Background(), b); err != nil {
			slog.Warn("scheduler: preload fetch on bucket acquired failed", "bucket_id", b, "error", err)
		}
	})
	bucketMgr.OnLost(func(b int) { pl.OnBucketLost(b) })

	return &Context{
		Self:         self,
		Config:       cfg,
		Store:        st,
		Registry:     reg,
		BucketMgr:    bucketMgr,
		JobInfoCache: jic,
		Preload:      pl,
		Bus:          b,
		Dispatch:     dispatchLoop,
		Monitor:      monitor,
		Propagator:   prop,
		Generator:    generator,
		Recovery:     recoveryEngine,
		Cancellation: cancelMgr,
		Metrics:      metrics,
	}
}

// Run starts every long-running task and blocks until ctx is cancelled. The
// recovery pass runs once, synchronously, before any task begins consuming
// new work so a missed occurrence or an orphaned RUNNING JobRun cannot race
// a fresh dispatch tick.
func (c *Context) Run(ctx context.Context) error {
	slog.Info("scheduler: running recovery pass", "self", c.Self)
	c.Recovery.Run(ctx)

	if c.Bus != nil {
		if _, err := bus.SubscribeJSON(c.Bus, bus.SubjectJobRunEnqueued, func(ctx context.Context, ev *bus.JobRunEnqueuedEvent) {
			if err := c.Preload.OnJobRunEnqueued(ctx, ev.BucketID, ev.JobRunID); err != nil {
				slog.Warn("scheduler: preload incremental fetch failed", "job_run_id", ev.JobRunID, "error", err)
				return
			}
			c.Dispatch.Wake()
		}); err != nil {
			return fmt.Errorf("subscribe jobrun.enqueued: %w", err)
		}
	}

	c.Registry.Subscribe(ctx, func(alive []string) {
		c.BucketMgr.OnMembershipChange(ctx, alive)
	})

	var wg sync.WaitGroup
	tasks := []func(context.Context){
		c.JobInfoCache.Run,
		c.Dispatch.Run,
		c.Monitor.Run,
		c.Generator.Run,
		c.heartbeatLoop,
		c.bucketSafetyNet,
		func(ctx context.Context) { c.Preload.Janitor(ctx, 30*time.Second) },
		func(ctx context.Context) {
			c.Cancellation.RunCleanupLoop(ctx, 5*time.Minute, time.Hour)
		},
		c.sampleQueueDepth,
	}
	for _, task := range tasks {
		wg.Add(1)
		go func(t func(context.Context)) {
			defer wg.Done()
			t(ctx)
		}(task)
	}

	slog.Info("scheduler: all tasks started", "self", c.Self)
	<-ctx.Done()
	wg.Wait()

	if err := c.Registry.Deregister(context.Background(), c.Self); err != nil {
		slog.Warn("scheduler: deregister on shutdown failed", "error", err)
	}
	return nil
}

func (c *Context) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Config.HeartbeatInterval)
	defer ticker.Stop()
	beat := func() {
		running := c.Dispatch.Running()
		if err := c.Registry.Heartbeat(ctx, c.Self, 64, running); err != nil {
			slog.Warn("scheduler: heartbeat failed", "error", err)
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

// sampleQueueDepth periodically re-levels the preload queue-depth gauge,
// which is exposed as an UpDownCounter: each sample adds the delta from the
// previous reading rather than an absolute value.
func (c *Context) sampleQueueDepth(ctx context.Context) {
	if c.Metrics.PreloadQueueDepth == nil {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := int64(c.Preload.QueueDepth())
			c.Metrics.PreloadQueueDepth.Add(ctx, depth-last)
			last = depth
		}
	}
}

// rateLimitedPreloadStore bounds the preload cache's bulk-fetch burst rate
// against the durable store: a bucket acquisition storm (e.g. right after a
// large rebalance) must not turn into a thundering herd of bbolt scans.
type rateLimitedPreloadStore struct {
	*store.Store
	limiter *resilience.RateLimiter
}

func (s *rateLimitedPreloadStore) FetchBucketWaitingRuns(ctx context.Context, bucketID int, beforeTriggerTime int64, limit int) ([]model.JobRun, error) {
	if !s.limiter.Allow() {
		wait := s.limiter.ReserveAfter(1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Store.FetchBucketWaitingRuns(ctx, bucketID, beforeTriggerTime, limit)
}

// bucketSafetyNet forces a bucket-ownership re-evaluation on the
// rebalance-check-interval even if no registry membership-change event
// fired recently, guarding against a missed or coalesced notification.
func (c *Context) bucketSafetyNet(ctx context.Context) {
	interval := c.Config.RebalanceCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.BucketMgr.Tick(ctx)
		}
	}
}
