// Package bucketmgr implements the Bucket Manager (C4): the per-worker
// component that derives its owned bucket set from the live worker set and
// emits acquired/lost events, damped against flapping.
package bucketmgr

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/scheduler/internal/bus"
	"github.com/swarmguard/scheduler/internal/hashing"
)

// Listener is invoked once per affected bucket when ownership changes.
type Listener func(bucketID int)

// Manager is the per-worker Bucket Manager.
type Manager struct {
	self        string
	bucketCount int
	minInterval time.Duration

	mu         sync.Mutex
	owned      map[int]struct{}
	lastEval   time.Time
	pending    []string // latest alive set observed before the damping window allows evaluation

	onAcquired []Listener
	onLost     []Listener

	bus            *bus.Bus
	rebalanceCount metric.Int64Counter
}

// New constructs a Manager for worker address self, sharding [0, bucketCount)
// and re-evaluating at most once per minInterval (rebalanceCheckInterval).
func New(self string, bucketCount int, minInterval time.Duration, b *bus.Bus, rebalanceCount metric.Int64Counter) *Manager {
	return &Manager{
		self:           self,
		bucketCount:    bucketCount,
		minInterval:    minInterval,
		owned:          make(map[int]struct{}),
		bus:            b,
		rebalanceCount: rebalanceCount,
	}
}

// OnAcquired registers a listener invoked for each newly-owned bucket.
func (m *Manager) OnAcquired(l Listener) { m.onAcquired = append(m.onAcquired, l) }

// OnLost registers a listener invoked for each bucket this worker no longer owns.
func (m *Manager) OnLost(l Listener) { m.onLost = append(m.onLost, l) }

// Owned returns a sorted snapshot of the currently-owned bucket set.
func (m *Manager) Owned() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.owned))
	for b := range m.owned {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// OnMembershipChange is the Worker Registry subscribe callback. It records
// the latest alive set and, subject to the rebalanceCheckInterval damping
// window, recomputes ownership and fires acquired/lost events.
func (m *Manager) OnMembershipChange(ctx context.Context, alive []string) {
	m.mu.Lock()
	m.pending = alive
	sinceLastEval := time.Since(m.lastEval)
	due := sinceLastEval >= m.minInterval
	m.mu.Unlock()

	if due {
		m.evaluate(ctx)
	}
}

// Tick forces an evaluation against the most recently observed alive set if
// the damping window has elapsed. It is called from a low-frequency
// safety-net ticker, so that a change which OnMembershipChange only recorded
// (because it arrived inside the damping window) is still evaluated.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	due := time.Since(m.lastEval) >= m.minInterval && m.pending != nil
	m.mu.Unlock()
	if due {
		m.evaluate(ctx)
	}
}

func (m *Manager) evaluate(ctx context.Context) {
	m.mu.Lock()
	alive := m.pending
	m.mu.Unlock()

	selfPresent := false
	for _, a := range alive {
		if a == m.self {
			selfPresent = true
			break
		}
	}
	if !selfPresent {
		// Degenerate case: this worker is transiently absent from its own
		// registry view. Keep serving the currently-owned set rather than
		// surrendering every bucket to a recompute that can never name us
		// as the owner.
		slog.Warn("bucket manager: self absent from alive set, deferring rebalance", "self", m.self)
		return
	}

	hasher := hashing.New(alive)
	newOwned := make(map[int]struct{})
	for _, b := range hasher.OwnedBuckets(m.self, m.bucketCount) {
		newOwned[b] = struct{}{}
	}

	m.mu.Lock()
	prevOwned := m.owned
	m.owned = newOwned
	m.lastEval = time.Now()
	m.mu.Unlock()

	var acquired, lost []int
	for b := range newOwned {
		if _, ok := prevOwned[b]; !ok {
			acquired = append(acquired, b)
		}
	}
	for b := range prevOwned {
		if _, ok := newOwned[b]; !ok {
			lost = append(lost, b)
		}
	}
	sort.Ints(acquired)
	sort.Ints(lost)

	if len(acquired) > 0 || len(lost) > 0 {
		if m.rebalanceCount != nil {
			m.rebalanceCount.Add(ctx, 1)
		}
		slog.Info("bucket rebalance", "acquired", len(acquired), "lost", len(lost))
	}

	for _, b := range acquired {
		for _, l := range m.onAcquired {
			l(b)
		}
		if m.bus != nil {
			_ = m.bus.PublishJSON(ctx, bus.SubjectBucketAcquired, bus.BucketEvent{WorkerAddress: m.self, BucketID: b})
		}
	}
	for _, b := range lost {
		for _, l := range m.onLost {
			l(b)
		}
		if m.bus != nil {
			_ = m.bus.PublishJSON(ctx, bus.SubjectBucketLost, bus.BucketEvent{WorkerAddress: m.self, BucketID: b})
		}
	}
}
