package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerTable_FailuresDegradeThenFullCatchUpHeals(t *testing.T) {
	pt := newPeerTable([]string{"peer-a"}, Thresholds{DegradeAfterFailures: 2}, nil)

	st, ok := pt.Get("peer-a")
	require.True(t, ok)
	require.Equal(t, Healthy, st.Health)

	now := time.Now()
	pt.recordFailure("peer-a", now)
	st, _ = pt.Get("peer-a")
	require.Equal(t, Lagging, st.Health)
	require.Equal(t, 1, st.ConsecutiveFailures)

	pt.recordFailure("peer-a", now)
	st, _ = pt.Get("peer-a")
	require.Equal(t, Degraded, st.Health)
	require.Equal(t, 2, st.ConsecutiveFailures)

	pt.recordSuccess("peer-a", 100, 100, now)
	st, _ = pt.Get("peer-a")
	require.Equal(t, Healthy, st.Health)
	require.Equal(t, 0, st.ConsecutiveFailures)
	require.Equal(t, uint64(100), uint64(st.LastAckOffset))
}

func TestPeerTable_LagWithoutFailureStillFlagsLagging(t *testing.T) {
	pt := newPeerTable([]string{"peer-a"}, Thresholds{LagOffsets: 5}, nil)

	pt.recordSuccess("peer-a", 10, 100, time.Now())
	st, _ := pt.Get("peer-a")
	require.Equal(t, Lagging, st.Health)
}

func TestPeerTable_UnreachableAfterStaleContact(t *testing.T) {
	pt := newPeerTable([]string{"peer-a"}, Thresholds{DegradeAfterFailures: 1, UnreachableAfter: time.Millisecond}, nil)

	now := time.Now()
	pt.recordFailure("peer-a", now)
	later := now.Add(10 * time.Millisecond)
	pt.recordFailure("peer-a", later)

	st, _ := pt.Get("peer-a")
	require.Equal(t, Unreachable, st.Health)
}

func TestPeerTable_SnapshotReturnsEveryPeer(t *testing.T) {
	pt := newPeerTable([]string{"peer-a", "peer-b"}, Thresholds{}, nil)
	snap := pt.Snapshot()
	require.Len(t, snap, 2)
	require.Contains(t, snap, "peer-a")
	require.Contains(t, snap, "peer-b")
}
