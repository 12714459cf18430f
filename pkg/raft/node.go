// Package raft implements a single-leader replicated log: leader election,
// log replication, joint-consensus membership changes, snapshots and log
// compaction. Applications build a linearizable replicated state machine
// on top of a Node by supplying an Engine, a Transport and a StateMachine.
package raft

import (
	"math/rand"
	"sync"
	"time"
)

// Node is a single participant in a Raft cluster. All volatile state is
// guarded by mu; every external entry point (inbound RPC, client submit,
// timer tick, reply delivery) serializes on it before touching state.
type Node struct {
	mu     sync.Mutex
	id     string
	config NodeConfig

	// Persistent state, cached from the engine. currentTerm only moves
	// through advanceTermLocked, which also clears the vote.
	currentTerm uint64
	votedFor    string
	hasVote     bool

	// Volatile state
	state       NodeState
	commitIndex uint64
	lastApplied uint64
	leaderHint  string

	// Snapshot metadata cache (engine owns the bytes)
	snapIndex uint64
	snapTerm  uint64

	// Cluster configuration. Configuration entries take effect at append
	// time; seedConfig is the static membership NewNode builds from the
	// node ID and Peers. configIndex is the log position of the entry
	// cluster came from (0 for the seed).
	cluster       Configuration
	seedConfig    Configuration
	configIndex   uint64
	configPending bool

	// Leader state
	tracker *progress
	pending map[uint64]*pendingRequest

	// Follower state: snapshot chunks being assembled
	incoming *incomingSnapshot

	// Collaborators
	engine    Engine
	transport Transport
	sm        StateMachine
	auth      MembershipAuthorizer
	logger    Logger
	metrics   Metrics

	// Control
	stopCh          chan struct{}
	stopOnce        sync.Once
	applySignal     chan struct{}
	electionResetCh chan struct{}
	rng             *rand.Rand
	wg              sync.WaitGroup
	started         bool
	failed          bool
	snapshotting    bool
}

// Option customizes a Node at construction
type Option func(*Node)

// WithLogger sets the diagnostic sink
func WithLogger(l Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics sets the measurement sink
func WithMetrics(m Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

// WithAuthorizer sets the membership admission policy
func WithAuthorizer(a MembershipAuthorizer) Option {
	return func(n *Node) { n.auth = a }
}

// WithSeed makes election timeout randomization reproducible
func WithSeed(seed int64) Option {
	return func(n *Node) { n.rng = rand.New(rand.NewSource(seed)) }
}

// NewNode creates a node. It does not touch the network or the engine
// until Start.
func NewNode(config NodeConfig, engine Engine, transport Transport, sm StateMachine, opts ...Option) *Node {
	if config.MaxBatchEntries <= 0 {
		config.MaxBatchEntries = 64
	}
	if config.SnapshotChunkSize <= 0 {
		config.SnapshotChunkSize = 64 * 1024
	}
	seed := NewConfiguration(append([]string{config.ID}, config.Peers...))
	n := &Node{
		id:              config.ID,
		config:          config,
		state:           Follower,
		cluster:         seed,
		seedConfig:      seed.Clone(),
		tracker:         newProgress(),
		pending:         make(map[uint64]*pendingRequest),
		engine:          engine,
		transport:       transport,
		sm:              sm,
		auth:            AuthorizeAll{},
		logger:          NopLogger{},
		metrics:         NopMetrics{},
		stopCh:          make(chan struct{}),
		applySignal:     make(chan struct{}, 1),
		electionResetCh: make(chan struct{}, 1),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start recovers state from the engine, registers with the transport and
// begins running as a follower. It is idempotent.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true

	if err := n.restore(); err != nil {
		n.mu.Unlock()
		return err
	}
	n.mu.Unlock()

	n.transport.RegisterHandler(n)

	n.wg.Add(2)
	go n.run()
	go n.applyLoop()

	return nil
}

// Stop halts the node. It is idempotent; pending client requests fail
// with ErrNodeStopped unless already committed.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
	n.wg.Wait()

	n.mu.Lock()
	if n.state == Leader {
		n.failPendingLocked(func(p *pendingRequest) bool {
			return p.index > n.commitIndex
		}, ErrNodeStopped)
	}
	n.started = false
	n.mu.Unlock()
}

// restore loads term, vote and snapshot from the engine and re-adopts the
// latest configuration; log entries past the snapshot are not applied
// here. Called under the lock.
func (n *Node) restore() error {
	n.currentTerm = n.engine.LoadTerm()
	n.votedFor, n.hasVote = n.engine.LoadVotedFor()

	if snap, ok := n.engine.LoadSnapshot(); ok {
		if err := n.sm.Restore(snap.Data); err != nil {
			return &FatalError{Index: snap.LastIncludedIndex, Term: snap.LastIncludedTerm, Err: err}
		}
		n.snapIndex = snap.LastIncludedIndex
		n.snapTerm = snap.LastIncludedTerm
		n.cluster = snap.Configuration.Clone()
		n.configIndex = snap.LastIncludedIndex
		n.commitIndex = snap.LastIncludedIndex
		n.lastApplied = snap.LastIncludedIndex
	}

	// Configuration entries take effect at append time, so recovery
	// re-adopts the latest one in the surviving log.
	n.recomputeConfigurationLocked()

	n.logger.Info("node restored",
		F("node_id", n.id),
		F("term", n.currentTerm),
		F("last_index", n.engine.LastIndex()),
		F("snapshot_index", n.snapIndex))
	return nil
}

// run drives the role state machine
func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		switch n.State() {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

func (n *Node) runFollower() {
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-n.electionResetCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			if n.state == Follower {
				n.state = Candidate
			}
			n.mu.Unlock()
			return
		}
	}
}

func (n *Node) runLeader() {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	// Assert leadership immediately: an empty AppendEntries quenches
	// other candidates.
	n.broadcastAppendEntries()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if n.State() != Leader {
				return
			}
			n.broadcastAppendEntries()
			n.maybeSnapshot()
		case <-n.electionResetCh:
			// Stale reset from a vote granted before winning; ignore.
		}
	}
}

// State returns the current role
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// IsLeader reports whether this node currently leads its term
func (n *Node) IsLeader() bool {
	return n.State() == Leader
}

// CurrentTerm returns the node's term
func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// LeaderHint returns the most recently observed leader of the current
// term, or "" when none is known.
func (n *Node) LeaderHint() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderHint
}

// CommitIndex returns the highest index known committed
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// LastApplied returns the highest index applied to the state machine
func (n *Node) LastApplied() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}

// ID returns the node's identifier
func (n *Node) ID() string {
	return n.id
}

// Members returns the voting members of the active configuration
func (n *Node) Members() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cluster.Voters()
}

// Log returns a copy of the uncompacted log, for inspection in tests
func (n *Node) Log() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	last := n.engine.LastIndex()
	if last <= n.snapIndex {
		return nil
	}
	return n.engine.Entries(n.snapIndex+1, last)
}

// --- term and role transitions (all under lock) ---

// advanceTermLocked is the only mutation of currentTerm: it moves the term
// forward, clears the vote and persists both before returning.
func (n *Node) advanceTermLocked(term uint64) error {
	if term <= n.currentTerm {
		return nil
	}
	n.currentTerm = term
	n.votedFor = ""
	n.hasVote = false
	if err := n.engine.StoreTerm(term); err != nil {
		n.fatalLocked(0, term, err)
		return err
	}
	if err := n.engine.StoreVotedFor("", false); err != nil {
		n.fatalLocked(0, term, err)
		return err
	}
	return nil
}

// stepDownLocked transitions to follower at the given term. If leadership
// is being surrendered, pending commands for uncommitted indexes fail
// with LeadershipLostError.
func (n *Node) stepDownLocked(term uint64) {
	wasLeader := n.state == Leader
	if term > n.currentTerm {
		n.leaderHint = ""
		if n.advanceTermLocked(term) != nil {
			return
		}
	}
	n.state = Follower
	if wasLeader {
		n.logger.Info("stepping down",
			F("node_id", n.id),
			F("term", n.currentTerm))
		n.failPendingLocked(func(p *pendingRequest) bool {
			return p.index > n.commitIndex
		}, &LeadershipLostError{LeaderHint: n.leaderHint})
		n.tracker = newProgress()
	}
	n.resetElectionTimer()
}

// observeTermLocked applies the "any RPC with a higher term forces a
// step-down" rule.
func (n *Node) observeTermLocked(term uint64) {
	if term > n.currentTerm {
		n.stepDownLocked(term)
	}
}

func (n *Node) resetElectionTimer() {
	select {
	case n.electionResetCh <- struct{}{}:
	default:
	}
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := int64(n.config.ElectionTimeoutMin)
	max := int64(n.config.ElectionTimeoutMax)
	if max <= min {
		return n.config.ElectionTimeoutMin
	}
	n.mu.Lock()
	d := min + n.rng.Int63n(max-min)
	n.mu.Unlock()
	return time.Duration(d)
}

// fatalLocked records an unrecoverable failure and halts the node
func (n *Node) fatalLocked(index, term uint64, err error) {
	if n.failed {
		return
	}
	n.failed = true
	n.logger.Error("fatal failure, halting",
		F("node_id", n.id),
		F("index", index),
		F("term", term),
		F("error", err))
	n.stopOnce.Do(func() { close(n.stopCh) })
}

// --- log helpers (under lock) ---

func (n *Node) lastLogIndexLocked() uint64 {
	if last := n.engine.LastIndex(); last > 0 {
		return last
	}
	return n.snapIndex
}

func (n *Node) lastLogTermLocked() uint64 {
	if last := n.engine.LastIndex(); last > 0 {
		if e, ok := n.engine.Entry(last); ok {
			return e.Term
		}
	}
	return n.snapTerm
}

// termAtLocked returns the term of the entry at index, handling the
// snapshot boundary; 0 when the index is unknown.
func (n *Node) termAtLocked(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	if index == n.snapIndex {
		return n.snapTerm
	}
	if e, ok := n.engine.Entry(index); ok {
		return e.Term
	}
	return 0
}

// lastIndexOfTermLocked returns the highest index holding the given term,
// or 0 when the term does not appear in the uncompacted log.
func (n *Node) lastIndexOfTermLocked(term uint64) uint64 {
	for i := n.engine.LastIndex(); i > n.snapIndex; i-- {
		e, ok := n.engine.Entry(i)
		if !ok {
			break
		}
		if e.Term == term {
			return i
		}
		if e.Term < term {
			break
		}
	}
	return 0
}

// firstIndexOfTermLocked returns the lowest uncompacted index holding the
// given term, assuming the term appears at upTo.
func (n *Node) firstIndexOfTermLocked(term, upTo uint64) uint64 {
	first := upTo
	for i := upTo; i > n.snapIndex; i-- {
		e, ok := n.engine.Entry(i)
		if !ok || e.Term != term {
			break
		}
		first = i
	}
	return first
}

// recomputeConfigurationLocked re-derives the active configuration after
// a truncation or on recovery: the latest surviving EntryConfig wins,
// falling back to the snapshot's configuration, then the static seed.
func (n *Node) recomputeConfigurationLocked() {
	for i := n.engine.LastIndex(); i > n.snapIndex; i-- {
		e, ok := n.engine.Entry(i)
		if !ok {
			break
		}
		if e.Type != EntryConfig {
			continue
		}
		cfg, err := DecodeConfiguration(e.Payload)
		if err != nil {
			n.logger.Error("undecodable configuration entry",
				F("node_id", n.id),
				F("term", n.currentTerm),
				F("index", i),
				F("error", err))
			continue
		}
		n.adoptConfigurationLocked(cfg, i)
		return
	}
	if n.configIndex > n.snapIndex {
		// The config entry we had adopted was truncated away; fall back
		// to the snapshot's configuration, then to the static seed.
		if snap, ok := n.engine.LoadSnapshot(); ok {
			n.adoptConfigurationLocked(snap.Configuration, snap.LastIncludedIndex)
		} else {
			n.adoptConfigurationLocked(n.seedConfig, 0)
		}
	}
}

// adoptConfigurationLocked switches the active configuration (append-time
// adoption per Raft membership rules) and reconciles leader bookkeeping.
func (n *Node) adoptConfigurationLocked(cfg Configuration, index uint64) {
	n.cluster = cfg.Clone()
	n.configIndex = index

	if n.state == Leader {
		last := n.lastLogIndexLocked()
		for _, peer := range cfg.Voters() {
			if peer != n.id {
				n.tracker.add(peer, last)
			}
		}
		for peer := range n.tracker.next {
			if !cfg.Contains(peer) {
				n.tracker.remove(peer)
			}
		}
	}

	n.logger.Info("configuration adopted",
		F("node_id", n.id),
		F("term", n.currentTerm),
		F("index", index),
		F("members", cfg.Voters()),
		F("joint", cfg.IsJoint()))
}
