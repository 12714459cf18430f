// Package harness assembles full in-process clusters on the network
// simulator: memory engines, kv state machines and simulated transports
// wired into raft nodes. Tests drive adversarial schedules through it.
package harness

import (
	"fmt"
	"time"

	"github.com/vzdtic/raftsim/pkg/codec"
	"github.com/vzdtic/raftsim/pkg/kv"
	"github.com/vzdtic/raftsim/pkg/persist"
	"github.com/vzdtic/raftsim/pkg/raft"
	"github.com/vzdtic/raftsim/pkg/simnet"
)

const rpcPort = 9000

// Options tunes a test cluster
type Options struct {
	Size              int
	Seed              int64
	Latency           time.Duration
	Reliability       float64
	SnapshotThreshold uint64

	// Spares adds nodes that are wired into the network but left out of
	// the initial configuration and barred from campaigning; membership
	// tests join them via AddServer.
	Spares int

	// Tune, when set, adjusts each node's config before construction
	Tune func(i int, cfg *raft.NodeConfig)
}

// Cluster is a set of raft nodes on one simulator
type Cluster struct {
	Sim        *simnet.Simulator
	IDs        []string
	Nodes      []*raft.Node
	Stores     []*kv.Store
	Engines    []*persist.Memory
	Transports []*simnet.Transport
	opts       Options
}

// New builds a cluster; Start must be called before use
func New(opts Options) (*Cluster, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("cluster size must be positive")
	}
	if opts.Latency == 0 {
		opts.Latency = time.Millisecond
	}
	if opts.Reliability == 0 {
		opts.Reliability = 1.0
	}

	sim := simnet.New(opts.Seed)

	total := opts.Size + opts.Spares
	ids := make([]string, total)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i+1)
	}
	members := ids[:opts.Size]
	sim.ConnectAll(ids, simnet.Edge{Latency: opts.Latency, Reliability: opts.Reliability})

	c := &Cluster{
		Sim:        sim,
		IDs:        ids,
		Nodes:      make([]*raft.Node, total),
		Stores:     make([]*kv.Store, total),
		Engines:    make([]*persist.Memory, total),
		Transports: make([]*simnet.Transport, total),
		opts:       opts,
	}

	ser := codec.NewWire()
	for i, id := range ids {
		transport, err := simnet.NewTransport(sim, id, rpcPort, ser, nil)
		if err != nil {
			return nil, err
		}
		for _, peer := range ids {
			if peer != id {
				transport.AddPeer(peer, simnet.Endpoint{Address: peer, Port: rpcPort})
			}
		}
		c.Transports[i] = transport
		c.Engines[i] = persist.NewMemory()
		c.Stores[i] = kv.New()

		peers := make([]string, 0, len(members))
		for _, peer := range members {
			if peer != id {
				peers = append(peers, peer)
			}
		}
		config := raft.DefaultConfig(id, peers)
		if opts.SnapshotThreshold > 0 {
			config.SnapshotThreshold = opts.SnapshotThreshold
		}
		if i >= opts.Size {
			// Spares wait to be joined; they must not start elections.
			config.ElectionTimeoutMin = time.Hour
			config.ElectionTimeoutMax = 2 * time.Hour
		}
		if opts.Tune != nil {
			opts.Tune(i, &config)
		}
		c.Nodes[i] = raft.NewNode(config, c.Engines[i], transport, c.Stores[i],
			raft.WithSeed(opts.Seed+int64(i)))
	}
	return c, nil
}

// Leaders returns every node currently claiming leadership (more than
// one is possible across different terms during partitions)
func (c *Cluster) Leaders() []*raft.Node {
	var out []*raft.Node
	for _, n := range c.Nodes {
		if n.IsLeader() {
			out = append(out, n)
		}
	}
	return out
}

// WaitForLeaderExcluding waits for a leader other than the given node
func (c *Cluster) WaitForLeaderExcluding(exclude *raft.Node, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.Leaders() {
			if n != exclude {
				return n, nil
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader besides %s within %v", exclude.ID(), timeout)
}

// Start starts every node
func (c *Cluster) Start() error {
	for _, n := range c.Nodes {
		if err := n.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every node, the transports and the simulator
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.Stop()
	}
	for _, t := range c.Transports {
		t.Close()
	}
	c.Sim.Stop()
}

// Index returns the position of a node ID
func (c *Cluster) Index(id string) int {
	for i, nodeID := range c.IDs {
		if nodeID == id {
			return i
		}
	}
	return -1
}

// Leader returns the current leader, or nil
func (c *Cluster) Leader() *raft.Node {
	for _, n := range c.Nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

// WaitForLeader blocks until some node leads or the deadline passes
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.Leader(); leader != nil {
			return leader, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within %v", timeout)
}

// WaitForApplied blocks until every listed node has applied index
func (c *Cluster) WaitForApplied(index uint64, nodes []*raft.Node, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		done := true
		for _, n := range nodes {
			if n.LastApplied() < index {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("nodes did not apply index %d within %v", index, timeout)
}

// Partition isolates node i from the rest of the cluster
func (c *Cluster) Partition(i int) {
	c.Sim.Partition(c.IDs[i])
}

// Heal reconnects node i
func (c *Cluster) Heal(i int) {
	c.Sim.Heal(c.IDs[i])
}

// SubmitSet proposes a kv set through the given node
func (c *Cluster) SubmitSet(n *raft.Node, key string, value []byte, clientID string, requestID uint64, timeout time.Duration) ([]byte, error) {
	payload, err := kv.EncodeCommand(kv.Command{
		Type:      kv.CommandSet,
		Key:       key,
		Value:     value,
		ClientID:  clientID,
		RequestID: requestID,
	})
	if err != nil {
		return nil, err
	}
	return n.SubmitCommand(payload, timeout).Result()
}

// LogsMatch verifies every pair of nodes agrees on term at every shared
// index (the log matching property over the observable logs).
func (c *Cluster) LogsMatch() error {
	type slot struct {
		term  uint64
		owner string
	}
	byIndex := make(map[uint64]slot)
	for _, n := range c.Nodes {
		for _, e := range n.Log() {
			if prev, ok := byIndex[e.Index]; ok {
				if prev.term != e.Term {
					return fmt.Errorf("log mismatch at index %d: %s has term %d, %s has term %d",
						e.Index, prev.owner, prev.term, n.ID(), e.Term)
				}
			} else {
				byIndex[e.Index] = slot{term: e.Term, owner: n.ID()}
			}
		}
	}
	return nil
}
