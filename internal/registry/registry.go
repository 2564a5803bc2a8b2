// Package registry is the Worker Registry (C3): a Redis-backed live-worker
// set with TTL heartbeats, grounded on the retrieved pack's Redis-based
// job-recovery worker registry (SET membership + per-worker TTL keys).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/scheduler/internal/model"
	"github.com/swarmguard/scheduler/internal/resilience"
)

// retryAttempts/retryBaseDelay bound the transient-I/O retry the registry
// wraps its Heartbeat and ListAlive Redis round trips in (Deregister is not
// retried): a blip should not immediately drop a worker from the live set or
// fail a heartbeat.
const (
	retryAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

const registrySetKey = "scheduler:workers"

func heartbeatKey(address string) string { return "scheduler:heartbeat:" + address }

// Listener is invoked whenever the alive worker set changes.
type Listener func(alive []string)

// Registry tracks the live worker set via Redis.
type Registry struct {
	rdb            *redis.Client
	livenessWindow time.Duration

	mu        sync.Mutex
	listeners []Listener
	lastAlive []string

	pollInterval time.Duration
	stopCh       chan struct{}
	stopped      sync.Once
}

// New constructs a Registry against an existing Redis client. livenessWindow
// is heartbeat-interval * liveness-window-multiplier; heartbeat keys are
// given a TTL of livenessWindow so an expired key and "not live" agree.
func New(rdb *redis.Client, livenessWindow time.Duration) *Registry {
	return &Registry{
		rdb:            rdb,
		livenessWindow: livenessWindow,
		pollInterval:   livenessWindow / 3,
		stopCh:         make(chan struct{}),
	}
}

// Heartbeat upserts the membership record for address with the current
// wall-clock timestamp, refreshing its TTL heartbeat key.
func (r *Registry) Heartbeat(ctx context.Context, address string, maxConcurrency, running int) error {
	membership := model.WorkerMembership{
		Address:        address,
		MaxConcurrency: maxConcurrency,
		Running:        running,
		HeartbeatAtMS:  time.Now().UnixMilli(),
	}
	data, err := json.Marshal(membership)
	if err != nil {
		return fmt.Errorf("marshal membership: %w", err)
	}
	_, err = resilience.Retry(ctx, retryAttempts, retryBaseDelay, func() (struct{}, error) {
		if err := r.rdb.SAdd(ctx, registrySetKey, address).Err(); err != nil {
			return struct{}{}, fmt.Errorf("register worker: %w", err)
		}
		if err := r.rdb.Set(ctx, heartbeatKey(address), data, r.livenessWindow).Err(); err != nil {
			return struct{}{}, fmt.Errorf("refresh heartbeat: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// Deregister removes address from the registry set and drops its heartbeat
// key immediately, used on graceful shutdown.
func (r *Registry) Deregister(ctx context.Context, address string) error {
	if err := r.rdb.Del(ctx, heartbeatKey(address)).Err(); err != nil {
		return err
	}
	return r.rdb.SRem(ctx, registrySetKey, address).Err()
}

// ListAlive returns every registered address whose heartbeat key has not
// expired, i.e. every member within the liveness window.
func (r *Registry) ListAlive(ctx context.Context) ([]string, error) {
	members, err := resilience.Retry(ctx, retryAttempts, retryBaseDelay, func() ([]string, error) {
		return r.rdb.SMembers(ctx, registrySetKey).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("list registry members: %w", err)
	}
	alive := make([]string, 0, len(members))
	for _, addr := range members {
		exists, err := resilience.Retry(ctx, retryAttempts, retryBaseDelay, func() (int64, error) {
			return r.rdb.Exists(ctx, heartbeatKey(addr)).Result()
		})
		if err != nil {
			return nil, fmt.Errorf("check heartbeat %s: %w", addr, err)
		}
		if exists == 1 {
			alive = append(alive, addr)
		}
	}
	sort.Strings(alive)
	return alive, nil
}

// Subscribe registers listener to be invoked whenever the alive set changes.
// The first call to Subscribe starts the background poll loop; subsequent
// calls just add another listener. Membership is poll-detected at
// pollInterval rather than pushed, since Redis TTL expiry has no native
// subscribe event without keyspace notifications enabled.
func (r *Registry) Subscribe(ctx context.Context, listener Listener) {
	r.mu.Lock()
	first := len(r.listeners) == 0
	r.listeners = append(r.listeners, listener)
	r.mu.Unlock()

	if first {
		go r.pollLoop(ctx)
	}
}

func (r *Registry) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			alive, err := r.ListAlive(ctx)
			if err != nil {
				slog.Warn("registry poll failed", "error", err)
				continue
			}
			r.mu.Lock()
			changed := !equalSorted(r.lastAlive, alive)
			r.lastAlive = alive
			listeners := append([]Listener(nil), r.listeners...)
			r.mu.Unlock()
			if changed {
				for _, l := range listeners {
					l(alive)
				}
			}
		}
	}
}

// Stop halts the background poll loop.
func (r *Registry) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
