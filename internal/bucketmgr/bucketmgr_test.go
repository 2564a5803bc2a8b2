package bucketmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitialEvaluationAcquiresOwnedBuckets(t *testing.T) {
	m := New("worker-a", 16, time.Millisecond, nil, nil)

	var acquired []int
	m.OnAcquired(func(b int) { acquired = append(acquired, b) })

	m.OnMembershipChange(context.Background(), []string{"worker-a", "worker-b"})

	require.NotEmpty(t, acquired)
	require.ElementsMatch(t, acquired, m.Owned())
}

func TestSelfAbsentDefersRebalance(t *testing.T) {
	m := New("worker-a", 16, time.Millisecond, nil, nil)
	m.OnMembershipChange(context.Background(), []string{"worker-a", "worker-b"})
	before := m.Owned()
	require.NotEmpty(t, before)

	// worker-a transiently missing from its own registry view: owned set
	// must be left untouched rather than surrendering every bucket.
	m.OnMembershipChange(context.Background(), []string{"worker-b"})
	require.Equal(t, before, m.Owned())
}

func TestDampingWithinRebalanceCheckInterval(t *testing.T) {
	m := New("worker-a", 16, time.Hour, nil, nil)
	m.OnMembershipChange(context.Background(), []string{"worker-a"})
	first := m.Owned()
	require.Len(t, first, 16)

	var lostCalls int
	m.OnLost(func(b int) { lostCalls++ })

	// Within the damping window, a membership change must not trigger a
	// second evaluation even though ownership would otherwise change.
	m.OnMembershipChange(context.Background(), []string{"worker-a", "worker-b"})
	require.Equal(t, first, m.Owned())
	require.Zero(t, lostCalls)
}

func TestAcquiredAndLostAreComplementaryOnJoin(t *testing.T) {
	m := New("worker-a", 32, time.Millisecond, nil, nil)
	m.OnMembershipChange(context.Background(), []string{"worker-a"})
	require.Len(t, m.Owned(), 32)

	var lost []int
	m.OnLost(func(b int) { lost = append(lost, b) })

	time.Sleep(2 * time.Millisecond)
	m.OnMembershipChange(context.Background(), []string{"worker-a", "worker-b"})

	require.NotEmpty(t, lost)
	require.Less(t, len(m.Owned()), 32)
}
