package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/ledger/internal/eventstore"
)

func TestCoordinator_AppendFansOutToPeer(t *testing.T) {
	follower := newTestNode(t, "follower-1", "leader-1", 1)
	srv := newTestServer(t, follower)

	leaderStore := openCounterStore(t)
	defer leaderStore.Close()

	c := NewCoordinator[counterState](leaderStore, CoordinatorOptions{
		LeaderNodeID: "leader-1",
		LeaderEpoch:  1,
		Peers:        []PeerConfig{{ID: "follower-1", BaseURL: srv.URL}},
		QueueSize:    16,
	}, nil, nil)
	defer c.Close()

	res, err := c.Append("counter::Inc", "ev-1", incPayload(t, 7), 1)
	require.NoError(t, err)
	require.Equal(t, eventstore.Applied, res.Outcome)

	require.Eventually(t, func() bool {
		applied := false
		_ = follower.store.Engine().WithState(func(c counterState) error {
			applied = c.Total == 7
			return nil
		})
		return applied
	}, time.Second, 5*time.Millisecond)

	st, ok := c.Peers()["follower-1"]
	require.True(t, ok)
	require.Equal(t, Healthy, st.Health)
}

func TestCoordinator_DuplicateAppendDoesNotFanOut(t *testing.T) {
	follower := newTestNode(t, "follower-1", "leader-1", 1)
	srv := newTestServer(t, follower)

	leaderStore := openCounterStore(t)
	defer leaderStore.Close()

	c := NewCoordinator[counterState](leaderStore, CoordinatorOptions{
		LeaderNodeID: "leader-1",
		LeaderEpoch:  1,
		Peers:        []PeerConfig{{ID: "follower-1", BaseURL: srv.URL}},
	}, nil, nil)
	defer c.Close()

	_, err := c.Append("counter::Inc", "ev-1", incPayload(t, 7), 1)
	require.NoError(t, err)
	res, err := c.Append("counter::Inc", "ev-1", incPayload(t, 7), 1)
	require.NoError(t, err)
	require.Equal(t, eventstore.Duplicate, res.Outcome)
}

func TestCoordinator_UnreachablePeerMarkedDegraded(t *testing.T) {
	leaderStore := openCounterStore(t)
	defer leaderStore.Close()

	c := NewCoordinator[counterState](leaderStore, CoordinatorOptions{
		LeaderNodeID:   "leader-1",
		LeaderEpoch:    1,
		Peers:          []PeerConfig{{ID: "gone", BaseURL: "http://127.0.0.1:1"}},
		RequestTimeout: 20 * time.Millisecond,
		MaxRetryWindow: 30 * time.Millisecond,
		Thresholds:     Thresholds{DegradeAfterFailures: 1},
	}, nil, nil)
	defer c.Close()

	_, err := c.Append("counter::Inc", "ev-1", incPayload(t, 1), 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := c.Peers()["gone"]
		return ok && st.Health >= Degraded
	}, time.Second, 5*time.Millisecond)
}
