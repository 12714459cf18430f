package simnet

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vzdtic/raftsim/pkg/future"
)

// ConnState tracks a connection through its lifecycle
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnClosing
	ConnClosed
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// Conn is a simulated point-to-point connection
type Conn struct {
	id     string
	sim    *Simulator
	local  Endpoint
	remote Endpoint

	mu       sync.Mutex
	state    ConnState
	lastUsed time.Time
}

// ID returns the connection's unique identifier
func (c *Conn) ID() string { return c.id }

// Local returns the initiating endpoint
func (c *Conn) Local() Endpoint { return c.local }

// Remote returns the accepting endpoint
func (c *Conn) Remote() Endpoint { return c.remote }

// State returns the current lifecycle state
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transition moves from one state to another atomically; it arbitrates
// the connect-vs-timeout race.
func (c *Conn) transition(from, to ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Send emits a datagram over the connection
func (c *Conn) Send(data []byte) error {
	if c.State() != ConnConnected {
		return ErrUnreachable
	}
	c.touch()
	return c.sim.send(c.local, c.remote, data)
}

// Close transitions the connection to closed
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	c.state = ConnClosing
	c.state = ConnClosed
	c.mu.Unlock()
}

type pendingConnect struct {
	handle *future.Future[*Conn]
	conn   *Conn
}

func (p *pendingConnect) fail() {
	if p.conn.transition(ConnConnecting, ConnError) {
		p.handle.Fail(ErrConnectFailed)
	}
}

// Connect initiates a connection to a listening endpoint. The completion
// fails with ErrConnectFailed when the target is unreachable at connect
// time, when no delivery happens within the timeout, or when the
// simulator stops first.
func (h *NodeHandle) Connect(localPort int, to Endpoint, timeout time.Duration) *future.Future[*Conn] {
	result := future.New[*Conn]()
	local := Endpoint{Address: h.addr, Port: localPort}

	c := &Conn{
		id:       uuid.NewString(),
		sim:      h.sim,
		local:    local,
		remote:   to,
		state:    ConnConnecting,
		lastUsed: time.Now(),
	}

	s := h.sim
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		c.setState(ConnError)
		result.Fail(ErrStopped)
		return result
	}
	edge, hasEdge := s.edges[local.Address][to.Address]
	listener := s.listeners[to]
	if !hasEdge || listener == nil || s.isPartitioned(local.Address, to.Address) {
		s.mu.Unlock()
		c.setState(ConnError)
		result.Fail(ErrConnectFailed)
		return result
	}
	dropped := s.rng.Float64() >= edge.Reliability
	s.conns[c.id] = c
	pending := &pendingConnect{handle: result, conn: c}
	s.pendingConns[c.id] = pending
	s.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		delete(s.pendingConns, c.id)
		s.mu.Unlock()
		pending.fail()
	})

	if !dropped {
		s.sched.schedule(edge.Latency, func() {
			s.mu.Lock()
			delete(s.pendingConns, c.id)
			s.mu.Unlock()
			if !c.transition(ConnConnecting, ConnConnected) {
				return
			}
			timer.Stop()
			c.touch()
			result.Resolve(c)
		})
	}

	return result
}

// Conns returns the tracked connections, for stats
func (s *Simulator) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Cleanup removes closed and errored connections from the tracker so
// stats do not leak.
func (s *Simulator) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.conns {
		switch c.State() {
		case ConnClosed, ConnError:
			delete(s.conns, id)
			removed++
		}
	}
	return removed
}

// ConnPool caches established connections per remote endpoint with a
// capacity bound, LRU eviction on overflow and an idle sweep. Evicted
// connections are closed.
type ConnPool struct {
	mu        sync.Mutex
	handle    *NodeHandle
	localPort int
	capacity  int
	idleBound time.Duration
	byRemote  map[Endpoint]*list.List // of *Conn, front = most recent
}

// NewConnPool builds a pool with per-endpoint capacity and idle bound
func NewConnPool(handle *NodeHandle, localPort, capacity int, idleBound time.Duration) *ConnPool {
	return &ConnPool{
		handle:    handle,
		localPort: localPort,
		capacity:  capacity,
		idleBound: idleBound,
		byRemote:  make(map[Endpoint]*list.List),
	}
}

// Get returns a pooled connection to the endpoint or dials a new one
func (p *ConnPool) Get(to Endpoint, timeout time.Duration) (*Conn, error) {
	p.mu.Lock()
	if l := p.byRemote[to]; l != nil {
		for e := l.Front(); e != nil; {
			next := e.Next()
			c := e.Value.(*Conn)
			l.Remove(e)
			if c.State() == ConnConnected {
				p.mu.Unlock()
				c.touch()
				return c, nil
			}
			e = next
		}
	}
	p.mu.Unlock()

	conn, err := p.handle.Connect(p.localPort, to, timeout).Result()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Put returns a connection to the pool, evicting the least recently used
// one past capacity.
func (p *ConnPool) Put(c *Conn) {
	if c.State() != ConnConnected {
		c.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.byRemote[c.Remote()]
	if l == nil {
		l = list.New()
		p.byRemote[c.Remote()] = l
	}
	l.PushFront(c)
	for l.Len() > p.capacity {
		oldest := l.Back()
		l.Remove(oldest)
		oldest.Value.(*Conn).Close()
	}
}

// Sweep closes pooled connections idle past the bound and returns how
// many were evicted.
func (p *ConnPool) Sweep() int {
	cutoff := time.Now().Add(-p.idleBound)
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for _, l := range p.byRemote {
		for e := l.Front(); e != nil; {
			next := e.Next()
			c := e.Value.(*Conn)
			if c.idleSince().Before(cutoff) {
				l.Remove(e)
				c.Close()
				evicted++
			}
			e = next
		}
	}
	return evicted
}

// Size returns the number of pooled connections to the endpoint
func (p *ConnPool) Size(to Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l := p.byRemote[to]; l != nil {
		return l.Len()
	}
	return 0
}

// Close evicts and closes everything
func (p *ConnPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.byRemote {
		for e := l.Front(); e != nil; e = e.Next() {
			e.Value.(*Conn).Close()
		}
	}
	p.byRemote = make(map[Endpoint]*list.List)
}
