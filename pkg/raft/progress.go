package raft

// progress is the leader's per-follower replication tracker: nextIndex,
// matchIndex and the in-flight gate that keeps at most one AppendEntries
// outstanding per follower. It is owned by the node and only touched under
// the node's lock.
type progress struct {
	next     map[string]uint64
	match    map[string]uint64
	inflight map[string]bool
}

func newProgress() *progress {
	return &progress{
		next:     make(map[string]uint64),
		match:    make(map[string]uint64),
		inflight: make(map[string]bool),
	}
}

// reset reinitializes the tracker on election: nextIndex one past the
// leader's last entry, matchIndex zero.
func (p *progress) reset(peers []string, lastLogIndex uint64) {
	p.next = make(map[string]uint64, len(peers))
	p.match = make(map[string]uint64, len(peers))
	p.inflight = make(map[string]bool, len(peers))
	for _, peer := range peers {
		p.next[peer] = lastLogIndex + 1
		p.match[peer] = 0
	}
}

// add starts tracking a peer that joined after the election
func (p *progress) add(peer string, lastLogIndex uint64) {
	if _, ok := p.next[peer]; !ok {
		p.next[peer] = lastLogIndex + 1
		p.match[peer] = 0
	}
}

// remove drops a peer that left the configuration
func (p *progress) remove(peer string) {
	delete(p.next, peer)
	delete(p.match, peer)
	delete(p.inflight, peer)
}

func (p *progress) nextIndex(peer string) uint64 {
	n := p.next[peer]
	if n == 0 {
		return 1
	}
	return n
}

func (p *progress) matchIndex(peer string) uint64 {
	return p.match[peer]
}

// begin marks an AppendEntries or InstallSnapshot as outstanding for the
// peer; it returns false if one already is.
func (p *progress) begin(peer string) bool {
	if p.inflight[peer] {
		return false
	}
	p.inflight[peer] = true
	return true
}

// finish clears the in-flight gate
func (p *progress) finish(peer string) {
	delete(p.inflight, peer)
}

// observeSuccess records a successful replication through upTo. Stale
// replies whose range falls below the recorded matchIndex are harmless:
// match and next only move forward.
func (p *progress) observeSuccess(peer string, upTo uint64) {
	if upTo > p.match[peer] {
		p.match[peer] = upTo
	}
	if p.match[peer]+1 > p.next[peer] {
		p.next[peer] = p.match[peer] + 1
	}
}

// observeConflict backs nextIndex off after a failed consistency check.
// When the follower reported a conflicting term, the leader jumps to one
// past its own last entry of that term if it has one, otherwise to the
// follower's first index of that term. Without a hint it decrements by
// one. nextIndex never drops below floor (snapshot.LastIncludedIndex+1).
func (p *progress) observeConflict(peer string, resp *AppendEntriesResponse, lastIndexOfTerm func(term uint64) uint64, floor uint64) {
	next := p.nextIndex(peer)
	switch {
	case resp.ConflictTerm != 0:
		if last := lastIndexOfTerm(resp.ConflictTerm); last != 0 {
			next = last + 1
		} else {
			next = resp.ConflictIndex
		}
	case resp.ConflictIndex != 0:
		next = resp.ConflictIndex
	default:
		if next > 1 {
			next--
		}
	}
	if next < floor {
		next = floor
	}
	if next == 0 {
		next = 1
	}
	p.next[peer] = next
}

// observeSnapshot records a completed snapshot install
func (p *progress) observeSnapshot(peer string, lastIncludedIndex uint64) {
	p.observeSuccess(peer, lastIncludedIndex)
}

// commitIndex derives the highest index replicated on a quorum of the
// configuration whose entry is from the current term. The leader counts
// itself at lastLogIndex. Under joint consensus both member sets must
// reach an independent majority.
func (p *progress) commitIndex(cfg Configuration, self string, lastLogIndex, current uint64, termAt func(index uint64) uint64, currentTerm uint64) uint64 {
	for i := lastLogIndex; i > current; i-- {
		if termAt(i) != currentTerm {
			// Entries from prior terms are never committed by count
			// alone (Raft §5.4.2); they commit transitively once a
			// current-term entry above them does.
			continue
		}
		acked := map[string]bool{self: true}
		for peer, m := range p.match {
			if m >= i {
				acked[peer] = true
			}
		}
		if cfg.QuorumReached(acked) {
			return i
		}
	}
	return current
}
