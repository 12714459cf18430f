// Package simnet is a deterministic in-process network simulator:
// virtual nodes addressed by (address, port), directed edges carrying
// latency and reliability, seeded reliability draws, and delivery
// scheduling whose order is a function of the seed and the input
// sequence alone. It doubles as the test-harness implementation of the
// raft transport.
package simnet

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	ErrUnreachable   = errors.New("endpoint unreachable")
	ErrPortInUse     = errors.New("port already bound")
	ErrNodeUnknown   = errors.New("unknown node address")
	ErrStopped       = errors.New("simulator stopped")
	ErrConnectFailed = errors.New("connect timed out")
)

// Endpoint identifies a bound port on a virtual node
type Endpoint struct {
	Address string
	Port    int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Edge is a directed link property set
type Edge struct {
	Latency     time.Duration
	Reliability float64
}

// MessageRecord captures one send for later analysis
type MessageRecord struct {
	From      Endpoint
	To        Endpoint
	Size      int
	Dropped   bool
	Delivered bool
}

// Simulator owns the topology graph, the listener registry, the
// connection registry and the seeded random source.
type Simulator struct {
	mu           sync.Mutex
	rng          *rand.Rand
	seed         int64
	nodes        map[string]bool
	edges        map[string]map[string]Edge
	partitions   map[string]map[string]bool
	listeners    map[Endpoint]*Listener
	conns        map[string]*Conn
	pendingConns map[string]*pendingConnect
	sched        *scheduler
	records      []MessageRecord
	stopped      bool
}

// New creates a simulator with a deterministic random source
func New(seed int64) *Simulator {
	return &Simulator{
		rng:          rand.New(rand.NewSource(seed)),
		seed:         seed,
		nodes:        make(map[string]bool),
		edges:        make(map[string]map[string]Edge),
		partitions:   make(map[string]map[string]bool),
		listeners:    make(map[Endpoint]*Listener),
		conns:        make(map[string]*Conn),
		pendingConns: make(map[string]*pendingConnect),
		sched:        newScheduler(),
	}
}

// Seed returns the seed, for reproducing a failing schedule
func (s *Simulator) Seed() int64 {
	return s.seed
}

// AddNode registers a virtual address. Idempotent.
func (s *Simulator) AddNode(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[addr] = true
	if s.partitions[addr] == nil {
		s.partitions[addr] = make(map[string]bool)
	}
}

// RemoveNode drops an address, cascading to its edges, listeners and
// connections.
func (s *Simulator) RemoveNode(addr string) {
	s.mu.Lock()
	delete(s.nodes, addr)
	delete(s.edges, addr)
	for from := range s.edges {
		delete(s.edges[from], addr)
	}
	delete(s.partitions, addr)
	for _, p := range s.partitions {
		delete(p, addr)
	}
	var toClose []*Listener
	for ep, l := range s.listeners {
		if ep.Address == addr {
			toClose = append(toClose, l)
			delete(s.listeners, ep)
		}
	}
	var conns []*Conn
	for _, c := range s.conns {
		if c.local.Address == addr || c.remote.Address == addr {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, l := range toClose {
		l.markClosed()
	}
	for _, c := range conns {
		c.Close()
	}
}

// AddEdge installs or replaces the directed edge from -> to
func (s *Simulator) AddEdge(from, to string, e Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edges[from] == nil {
		s.edges[from] = make(map[string]Edge)
	}
	s.edges[from][to] = e
}

// RemoveEdge deletes the directed edge from -> to
func (s *Simulator) RemoveEdge(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edges[from] != nil {
		delete(s.edges[from], to)
	}
}

// GetEdge returns the directed edge from -> to
func (s *Simulator) GetEdge(from, to string) (Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[from][to]
	return e, ok
}

// ConnectAll installs symmetric edges between every pair of addresses
func (s *Simulator) ConnectAll(addrs []string, e Edge) {
	for _, a := range addrs {
		s.AddNode(a)
	}
	for _, a := range addrs {
		for _, b := range addrs {
			if a != b {
				s.AddEdge(a, b, e)
			}
		}
	}
}

// Partition isolates an address from every other node
func (s *Simulator) Partition(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for other := range s.nodes {
		if other != addr {
			s.partitionLocked(addr, other)
		}
	}
}

// Heal removes every partition involving addr
func (s *Simulator) Heal(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[addr] = make(map[string]bool)
	for _, p := range s.partitions {
		delete(p, addr)
	}
}

// PartitionBetween severs the pair in both directions
func (s *Simulator) PartitionBetween(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitionLocked(a, b)
}

// HealBetween restores the pair
func (s *Simulator) HealBetween(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitions[a] != nil {
		delete(s.partitions[a], b)
	}
	if s.partitions[b] != nil {
		delete(s.partitions[b], a)
	}
}

func (s *Simulator) partitionLocked(a, b string) {
	if s.partitions[a] == nil {
		s.partitions[a] = make(map[string]bool)
	}
	if s.partitions[b] == nil {
		s.partitions[b] = make(map[string]bool)
	}
	s.partitions[a][b] = true
	s.partitions[b][a] = true
}

func (s *Simulator) isPartitioned(a, b string) bool {
	return s.partitions[a][b]
}

// CreateNode registers the address and returns a handle that can bind
// listeners, connect and send datagrams.
func (s *Simulator) CreateNode(addr string) *NodeHandle {
	s.AddNode(addr)
	return &NodeHandle{sim: s, addr: addr}
}

// Records returns a copy of the send history
func (s *Simulator) Records() []MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MessageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Stop cancels every scheduled delivery, fails pending connects and
// closes all listeners. Further sends fail with ErrStopped.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pending := s.pendingConns
	s.pendingConns = make(map[string]*pendingConnect)
	listeners := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listeners = make(map[Endpoint]*Listener)
	s.mu.Unlock()

	s.sched.stop()
	for _, p := range pending {
		p.fail()
	}
	for _, l := range listeners {
		l.markClosed()
	}
}

// Reset stops the simulator and additionally clears all topology and
// connection state, leaving it reusable with the same seed sequence.
func (s *Simulator) Reset() {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]bool)
	s.edges = make(map[string]map[string]Edge)
	s.partitions = make(map[string]map[string]bool)
	s.conns = make(map[string]*Conn)
	s.records = nil
	s.sched = newScheduler()
	s.stopped = false
}

// send performs the delivery decision for one datagram:
//  1. no edge or no listener -> ErrUnreachable
//  2. reliability draw fails -> silent drop (send reports success)
//  3. otherwise delivery is scheduled after the edge latency
func (s *Simulator) send(from, to Endpoint, data []byte) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	edge, hasEdge := s.edges[from.Address][to.Address]
	listener := s.listeners[to]
	rec := MessageRecord{From: from, To: to, Size: len(data)}

	if !hasEdge || listener == nil || s.isPartitioned(from.Address, to.Address) {
		s.records = append(s.records, rec)
		s.mu.Unlock()
		return ErrUnreachable
	}

	if s.rng.Float64() >= edge.Reliability {
		rec.Dropped = true
		s.records = append(s.records, rec)
		s.mu.Unlock()
		// Matching real lossy networks: the sender sees success, no
		// delivery will occur.
		return nil
	}

	rec.Delivered = true
	s.records = append(s.records, rec)
	s.mu.Unlock()

	payload := make([]byte, len(data))
	copy(payload, data)
	s.sched.schedule(edge.Latency, func() {
		listener.deliver(from, payload)
	})
	return nil
}

// NodeHandle lets one virtual address use the network
type NodeHandle struct {
	sim  *Simulator
	addr string
}

// Address returns the handle's virtual address
func (h *NodeHandle) Address() string {
	return h.addr
}

// Bind installs a listener on a port; the port is exclusive to one
// listener until it is closed.
func (h *NodeHandle) Bind(port int, fn func(from Endpoint, data []byte)) (*Listener, error) {
	ep := Endpoint{Address: h.addr, Port: port}
	h.sim.mu.Lock()
	defer h.sim.mu.Unlock()
	if h.sim.stopped {
		return nil, ErrStopped
	}
	if !h.sim.nodes[h.addr] {
		return nil, ErrNodeUnknown
	}
	if _, taken := h.sim.listeners[ep]; taken {
		return nil, ErrPortInUse
	}
	l := &Listener{sim: h.sim, endpoint: ep, handler: fn}
	h.sim.listeners[ep] = l
	return l, nil
}

// Send emits one datagram from a local port
func (h *NodeHandle) Send(fromPort int, to Endpoint, data []byte) error {
	return h.sim.send(Endpoint{Address: h.addr, Port: fromPort}, to, data)
}

// Listener receives datagrams at one endpoint
type Listener struct {
	sim      *Simulator
	endpoint Endpoint
	handler  func(from Endpoint, data []byte)
	mu       sync.Mutex
	closed   bool
}

// Endpoint returns the bound endpoint
func (l *Listener) Endpoint() Endpoint {
	return l.endpoint
}

func (l *Listener) deliver(from Endpoint, data []byte) {
	l.mu.Lock()
	closed := l.closed
	fn := l.handler
	l.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(from, data)
}

// Close releases the port immediately; a subsequent Bind on the same
// endpoint succeeds.
func (l *Listener) Close() {
	l.sim.mu.Lock()
	if current := l.sim.listeners[l.endpoint]; current == l {
		delete(l.sim.listeners, l.endpoint)
	}
	l.sim.mu.Unlock()
	l.markClosed()
}

func (l *Listener) markClosed() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}
