package simnet

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolFixture(t *testing.T, capacity int, idle time.Duration) (*Simulator, *ConnPool, []Endpoint) {
	t.Helper()
	sim := New(11)
	t.Cleanup(sim.Stop)

	client := sim.CreateNode("client")
	endpoints := make([]Endpoint, 3)
	for i := range endpoints {
		addr := fmt.Sprintf("server-%d", i)
		server := sim.CreateNode(addr)
		sim.AddEdge("client", addr, Edge{Latency: 0, Reliability: 1.0})
		sim.AddEdge(addr, "client", Edge{Latency: 0, Reliability: 1.0})
		_, err := server.Bind(80, func(Endpoint, []byte) {})
		require.NoError(t, err)
		endpoints[i] = Endpoint{Address: addr, Port: 80}
	}

	return sim, NewConnPool(client, 1, capacity, idle), endpoints
}

func TestPoolReusesConnections(t *testing.T) {
	_, pool, eps := poolFixture(t, 2, time.Minute)

	c1, err := pool.Get(eps[0], time.Second)
	require.NoError(t, err)
	pool.Put(c1)

	c2, err := pool.Get(eps[0], time.Second)
	require.NoError(t, err)
	assert.Equal(t, c1.ID(), c2.ID())
}

func TestPoolEvictsLRUOnOverflow(t *testing.T) {
	_, pool, eps := poolFixture(t, 2, time.Minute)

	conns := make([]*Conn, 3)
	for i := range conns {
		c, err := pool.Get(eps[0], time.Second)
		require.NoError(t, err)
		conns[i] = c
	}
	// Three distinct connections to the same endpoint, capacity two.
	pool.Put(conns[0])
	pool.Put(conns[1])
	pool.Put(conns[2])

	assert.Equal(t, 2, pool.Size(eps[0]))
	// The least recently used connection was evicted and closed.
	assert.Equal(t, ConnClosed, conns[0].State())
	assert.Equal(t, ConnConnected, conns[1].State())
	assert.Equal(t, ConnConnected, conns[2].State())
}

func TestPoolIdleSweep(t *testing.T) {
	_, pool, eps := poolFixture(t, 4, 30*time.Millisecond)

	c, err := pool.Get(eps[0], time.Second)
	require.NoError(t, err)
	pool.Put(c)

	time.Sleep(60 * time.Millisecond)
	evicted := pool.Sweep()
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, pool.Size(eps[0]))
	assert.Equal(t, ConnClosed, c.State())
}

func TestPoolClosedConnectionNotPooled(t *testing.T) {
	_, pool, eps := poolFixture(t, 4, time.Minute)

	c, err := pool.Get(eps[0], time.Second)
	require.NoError(t, err)
	c.Close()
	pool.Put(c)
	assert.Equal(t, 0, pool.Size(eps[0]))
}

func TestConnStateTrackingAndCleanup(t *testing.T) {
	sim, pool, eps := poolFixture(t, 4, time.Minute)

	c1, err := pool.Get(eps[0], time.Second)
	require.NoError(t, err)
	c2, err := pool.Get(eps[1], time.Second)
	require.NoError(t, err)

	assert.Len(t, sim.Conns(), 2)
	assert.Equal(t, ConnConnected, c1.State())

	c1.Close()
	removed := sim.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Len(t, sim.Conns(), 1)
	assert.Equal(t, ConnConnected, c2.State())

	// Cleanup is idempotent once the tracker is clean.
	assert.Equal(t, 0, sim.Cleanup())
}

func TestConnSendAfterClose(t *testing.T) {
	_, pool, eps := poolFixture(t, 4, time.Minute)
	c, err := pool.Get(eps[0], time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Send([]byte("x")))

	c.Close()
	assert.ErrorIs(t, c.Send([]byte("x")), ErrUnreachable)
}

func TestFailedConnectWithoutEdge(t *testing.T) {
	sim := New(3)
	defer sim.Stop()
	a := sim.CreateNode("a")
	sim.CreateNode("b")
	// No edge: connect fails immediately with ErrConnectFailed.
	_, err := a.Connect(1, Endpoint{Address: "b", Port: 80}, time.Second).Result()
	require.ErrorIs(t, err, ErrConnectFailed)
}
