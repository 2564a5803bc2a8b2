// Package hashing implements the Bucket Hasher (C2): stable job-id-to-bucket
// assignment and rendezvous-hashing-based worker ownership of buckets.
package hashing

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// BucketOf maps a job id to a bucket in [0, bucketCount) using a stable
// string hash rather than a raw numeric mod, so non-numeric job ids shard
// evenly across buckets.
func BucketOf(jobID string, bucketCount int) int {
	if bucketCount <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(jobID) % uint64(bucketCount))
}

// Hasher computes rendezvous-hashing ownership of buckets over a live worker
// set. It is rebuilt whenever the worker set changes; construction cost is
// O(N log N) in the number of workers and is expected to happen at most once
// per rebalanceCheckInterval.
type Hasher struct {
	workers []string
	rv      *rendezvous.Rendezvous
}

func hashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// New builds a Hasher over the given worker address set. Order of input is
// irrelevant: workers are sorted internally so the resulting ownership
// function is independent of how the caller enumerated the set.
func New(workers []string) *Hasher {
	sorted := append([]string(nil), workers...)
	sort.Strings(sorted)
	return &Hasher{
		workers: sorted,
		rv:      rendezvous.New(sorted, hashString),
	}
}

// OwnerOf returns the worker address that owns bucketID under this Hasher's
// worker set, via highest-random-weight (rendezvous) hashing. Returns ""
// when the worker set is empty.
func (h *Hasher) OwnerOf(bucketID int) string {
	if len(h.workers) == 0 {
		return ""
	}
	return h.rv.Lookup(bucketKey(bucketID))
}

// OwnedBuckets returns the subset of [0, bucketCount) owned by self under
// this Hasher's worker set.
func (h *Hasher) OwnedBuckets(self string, bucketCount int) []int {
	owned := make([]int, 0, bucketCount/max(len(h.workers), 1)+1)
	for b := 0; b < bucketCount; b++ {
		if h.OwnerOf(b) == self {
			owned = append(owned, b)
		}
	}
	return owned
}

func bucketKey(bucketID int) string {
	// itoa without importing strconv in the hot path; bucket ids are small
	// non-negative ints so a direct byte conversion is sufficient and avoids
	// an allocation-heavy Sprintf on every lookup.
	if bucketID == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	n := bucketID
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
