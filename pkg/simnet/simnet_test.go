package simnet

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func twoNodeSim(t *testing.T, edge Edge) (*Simulator, *NodeHandle, *NodeHandle) {
	t.Helper()
	sim := New(42)
	t.Cleanup(sim.Stop)
	a := sim.CreateNode("a")
	b := sim.CreateNode("b")
	sim.AddEdge("a", "b", edge)
	sim.AddEdge("b", "a", edge)
	return sim, a, b
}

func TestSendDelivers(t *testing.T) {
	_, a, b := twoNodeSim(t, Edge{Latency: time.Millisecond, Reliability: 1.0})

	got := make(chan []byte, 1)
	_, err := b.Bind(80, func(from Endpoint, data []byte) {
		got <- data
	})
	require.NoError(t, err)

	require.NoError(t, a.Send(1000, Endpoint{Address: "b", Port: 80}, []byte("hello")))
	select {
	case data := <-got:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(time.Second):
		t.Fatal("datagram not delivered")
	}
}

func TestSendUnreachable(t *testing.T) {
	sim := New(1)
	defer sim.Stop()
	a := sim.CreateNode("a")
	sim.CreateNode("b")

	// No edge.
	err := a.Send(1, Endpoint{Address: "b", Port: 80}, []byte("x"))
	assert.ErrorIs(t, err, ErrUnreachable)

	// Edge but no listener at the port.
	sim.AddEdge("a", "b", Edge{Latency: 0, Reliability: 1.0})
	err = a.Send(1, Endpoint{Address: "b", Port: 80}, []byte("x"))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestEdgeOperations(t *testing.T) {
	sim := New(1)
	defer sim.Stop()
	sim.AddNode("a")
	sim.AddNode("b")

	sim.AddEdge("a", "b", Edge{Latency: time.Millisecond, Reliability: 0.5})
	e, ok := sim.GetEdge("a", "b")
	require.True(t, ok)
	assert.Equal(t, 0.5, e.Reliability)

	// Directional: the reverse edge does not exist.
	_, ok = sim.GetEdge("b", "a")
	assert.False(t, ok)

	// Re-add wins.
	sim.AddEdge("a", "b", Edge{Latency: time.Millisecond, Reliability: 0.9})
	e, _ = sim.GetEdge("a", "b")
	assert.Equal(t, 0.9, e.Reliability)

	sim.RemoveEdge("a", "b")
	_, ok = sim.GetEdge("a", "b")
	assert.False(t, ok)
}

func TestRemoveNodeCascades(t *testing.T) {
	sim := New(1)
	defer sim.Stop()
	a := sim.CreateNode("a")
	b := sim.CreateNode("b")
	sim.AddEdge("a", "b", Edge{Reliability: 1.0})
	sim.AddEdge("b", "a", Edge{Reliability: 1.0})

	listener, err := b.Bind(80, func(Endpoint, []byte) {})
	require.NoError(t, err)
	_ = listener

	conn, err := a.Connect(1, Endpoint{Address: "b", Port: 80}, time.Second).Result()
	require.NoError(t, err)
	require.Equal(t, ConnConnected, conn.State())

	sim.RemoveNode("b")

	_, ok := sim.GetEdge("a", "b")
	assert.False(t, ok)
	assert.Equal(t, ConnClosed, conn.State())
	err = a.Send(1, Endpoint{Address: "b", Port: 80}, []byte("x"))
	assert.ErrorIs(t, err, ErrUnreachable)
}

// TestReliabilityConvergence: over many draws on an edge with
// reliability r, the delivered fraction converges to r within a fixed
// 0.05 tolerance (at least seven sigma for n=5000).
func TestReliabilityConvergence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := rapid.Float64Range(0.1, 0.9).Draw(rt, "reliability")
		seed := rapid.Int64().Draw(rt, "seed")

		sim := New(seed)
		defer sim.Stop()
		a := sim.CreateNode("a")
		b := sim.CreateNode("b")
		sim.AddEdge("a", "b", Edge{Latency: 0, Reliability: r})
		_, err := b.Bind(80, func(Endpoint, []byte) {})
		require.NoError(t, err)

		const n = 5000
		for i := 0; i < n; i++ {
			require.NoError(t, a.Send(1, Endpoint{Address: "b", Port: 80}, []byte{1}))
		}

		delivered := 0
		for _, rec := range sim.Records() {
			if rec.Delivered {
				delivered++
			}
		}
		fraction := float64(delivered) / n
		// Hoeffding puts the chance of a 0.05 deviation at ~3e-11 for n=5000.
		if math.Abs(fraction-r) > 0.05 {
			rt.Fatalf("delivery fraction %.4f too far from reliability %.4f", fraction, r)
		}
	})
}

// TestDeterministicDrops: the same seed and send sequence produce the
// same drop pattern.
func TestDeterministicDrops(t *testing.T) {
	pattern := func(seed int64) []bool {
		sim := New(seed)
		defer sim.Stop()
		a := sim.CreateNode("a")
		b := sim.CreateNode("b")
		sim.AddEdge("a", "b", Edge{Latency: 0, Reliability: 0.5})
		_, err := b.Bind(80, func(Endpoint, []byte) {})
		require.NoError(t, err)

		for i := 0; i < 200; i++ {
			require.NoError(t, a.Send(1, Endpoint{Address: "b", Port: 80}, []byte{1}))
		}
		out := make([]bool, 0, 200)
		for _, rec := range sim.Records() {
			out = append(out, rec.Dropped)
		}
		return out
	}

	assert.Equal(t, pattern(99), pattern(99))
	assert.NotEqual(t, pattern(99), pattern(100))
}

func TestPartitionBlocksDelivery(t *testing.T) {
	sim, a, b := twoNodeSim(t, Edge{Latency: 0, Reliability: 1.0})
	received := make(chan struct{}, 10)
	_, err := b.Bind(80, func(Endpoint, []byte) { received <- struct{}{} })
	require.NoError(t, err)

	sim.PartitionBetween("a", "b")
	err = a.Send(1, Endpoint{Address: "b", Port: 80}, []byte("x"))
	assert.ErrorIs(t, err, ErrUnreachable)

	sim.HealBetween("a", "b")
	require.NoError(t, a.Send(1, Endpoint{Address: "b", Port: 80}, []byte("x")))
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("delivery after heal did not happen")
	}
}

// TestPortRelease: closing a listener releases its port immediately.
func TestPortRelease(t *testing.T) {
	sim := New(1)
	defer sim.Stop()
	a := sim.CreateNode("a")

	l1, err := a.Bind(80, func(Endpoint, []byte) {})
	require.NoError(t, err)

	_, err = a.Bind(80, func(Endpoint, []byte) {})
	assert.ErrorIs(t, err, ErrPortInUse)

	l1.Close()
	l2, err := a.Bind(80, func(Endpoint, []byte) {})
	require.NoError(t, err)
	l2.Close()
}

// TestStopCancelsPendingConnects: stop() rejects in-flight connection
// attempts instead of leaving them hanging.
func TestStopCancelsPendingConnects(t *testing.T) {
	sim := New(1)
	a := sim.CreateNode("a")
	b := sim.CreateNode("b")
	sim.AddEdge("a", "b", Edge{Latency: 10 * time.Second, Reliability: 1.0})
	_, err := b.Bind(80, func(Endpoint, []byte) {})
	require.NoError(t, err)

	pending := a.Connect(1, Endpoint{Address: "b", Port: 80}, time.Minute)
	sim.Stop()

	select {
	case <-pending.Done():
	case <-time.After(time.Second):
		t.Fatal("pending connect not cancelled by Stop")
	}
	_, err = pending.Result()
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestConnectTimeout(t *testing.T) {
	sim := New(1)
	defer sim.Stop()
	a := sim.CreateNode("a")
	b := sim.CreateNode("b")
	sim.AddEdge("a", "b", Edge{Latency: time.Hour, Reliability: 1.0})
	_, err := b.Bind(80, func(Endpoint, []byte) {})
	require.NoError(t, err)

	start := time.Now()
	_, err = a.Connect(1, Endpoint{Address: "b", Port: 80}, 50*time.Millisecond).Result()
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnectUnreachableFailsImmediately(t *testing.T) {
	sim := New(1)
	defer sim.Stop()
	a := sim.CreateNode("a")
	sim.CreateNode("b")

	f := a.Connect(1, Endpoint{Address: "b", Port: 80}, time.Minute)
	_, err := f.Result()
	assert.ErrorIs(t, err, ErrConnectFailed)
}

func TestReset(t *testing.T) {
	sim := New(1)
	sim.CreateNode("a")
	sim.AddEdge("a", "a", Edge{})
	sim.Stop()
	sim.Reset()

	// Usable again after reset with clean topology.
	_, ok := sim.GetEdge("a", "a")
	assert.False(t, ok)
	a := sim.CreateNode("a")
	b := sim.CreateNode("b")
	sim.AddEdge("a", "b", Edge{Latency: 0, Reliability: 1.0})
	done := make(chan struct{}, 1)
	_, err := b.Bind(80, func(Endpoint, []byte) { done <- struct{}{} })
	require.NoError(t, err)
	require.NoError(t, a.Send(1, Endpoint{Address: "b", Port: 80}, []byte("x")))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send after reset not delivered")
	}
	sim.Stop()
}

// TestDeliveryOrderPreserved: deliveries over one edge keep dispatch
// order when latencies are equal.
func TestDeliveryOrderPreserved(t *testing.T) {
	sim, a, b := twoNodeSim(t, Edge{Latency: time.Millisecond, Reliability: 1.0})
	_ = sim

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	_, err := b.Bind(80, func(_ Endpoint, data []byte) {
		mu.Lock()
		got = append(got, data[0])
		if len(got) == 50 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Send(1, Endpoint{Address: "b", Port: 80}, []byte{byte(i)}))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all datagrams delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 50; i++ {
		assert.Equal(t, byte(i), got[i])
	}
}
