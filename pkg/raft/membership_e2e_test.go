package raft_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzdtic/raftsim/pkg/harness"
	"github.com/vzdtic/raftsim/pkg/raft"
)

// TestJointConsensusAddServer: adding a node commits a joint entry, then
// the final configuration, and the new member replicates the log.
func TestJointConsensusAddServer(t *testing.T) {
	c := startCluster(t, harness.Options{Size: 3, Spares: 1, Seed: 88, Latency: 5 * time.Millisecond})

	leader, err := c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)

	_, err = c.SubmitSet(leader, "before", []byte("join"), "client-1", 1, 5*time.Second)
	require.NoError(t, err)

	_, err = leader.AddServer("node-4", 10*time.Second).Result()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"node-1", "node-2", "node-3", "node-4"}, leader.Members())

	// The joined node catches up, including entries from before the
	// change.
	spare := c.Nodes[3]
	require.NoError(t, c.WaitForApplied(leader.CommitIndex(), []*raft.Node{spare}, 10*time.Second))
	v, ok := c.Stores[3].Get("before")
	require.True(t, ok)
	assert.Equal(t, []byte("join"), v)
	assert.ElementsMatch(t, leader.Members(), spare.Members())

	// The four-node cluster keeps committing.
	_, err = c.SubmitSet(leader, "after", []byte("joined"), "client-1", 2, 5*time.Second)
	require.NoError(t, err)
}

// TestConcurrentConfigChangeRejected: only one change runs at a time
func TestConcurrentConfigChangeRejected(t *testing.T) {
	c := startCluster(t, harness.Options{Size: 3, Spares: 2, Seed: 91, Latency: 5 * time.Millisecond})

	leader, err := c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)

	first := leader.AddServer("node-4", 10*time.Second)
	second := leader.AddServer("node-5", 10*time.Second)

	_, errSecond := second.Result()
	if errSecond != nil {
		assert.ErrorIs(t, errSecond, raft.ErrConfigPending)
	}
	_, errFirst := first.Result()
	require.NoError(t, errFirst)
}

// TestRemoveServerLeaderStepsDown: a leader that removes itself leads
// until the final configuration commits, then halts; the remainder
// elects a fresh leader.
func TestRemoveServerLeaderStepsDown(t *testing.T) {
	c := startCluster(t, harness.Options{Size: 3, Seed: 97, Latency: 5 * time.Millisecond})

	leader, err := c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)

	_, err = leader.RemoveServer(leader.ID(), 10*time.Second).Result()
	require.NoError(t, err)

	next, err := c.WaitForLeaderExcluding(leader, 10*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, leader.ID(), next.ID())
	assert.Len(t, next.Members(), 2)
	assert.NotContains(t, next.Members(), leader.ID())

	_, err = c.SubmitSet(next, "after-removal", []byte("ok"), "client-1", 1, 5*time.Second)
	require.NoError(t, err)
}

// TestAddServerAuthorizationDenied: the membership authorizer gates
// admission before any log entry is proposed.
func TestAddServerAuthorizationDenied(t *testing.T) {
	opts := harness.Options{Size: 1, Seed: 101, Latency: time.Millisecond}
	c, err := harness.New(opts)
	require.NoError(t, err)

	// Rebuild node 0 with a closed admission policy.
	node := raft.NewNode(
		raft.DefaultConfig("node-1", nil),
		c.Engines[0], c.Transports[0], c.Stores[0],
		raft.WithSeed(1),
		raft.WithAuthorizer(deny{}),
	)
	require.NoError(t, node.Start())
	defer c.Stop()
	defer node.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !node.IsLeader() {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, node.IsLeader())

	before := node.CommitIndex()
	_, err = node.AddServer("node-x", 2*time.Second).Result()
	require.Error(t, err)
	var rejected *raft.ConfigRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, []string{"node-1"}, rejected.Members)
	assert.Equal(t, before, node.CommitIndex())
}

type deny struct{}

func (deny) Authorize(string) bool { return false }
