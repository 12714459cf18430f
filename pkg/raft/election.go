package raft

import (
	"time"

	"github.com/vzdtic/raftsim/pkg/future"
)

// runCandidate drives one election round: advance the term, vote for
// self, solicit votes from every voting member and feed the response
// handles to the quorum collector.
func (n *Node) runCandidate() {
	n.mu.Lock()
	if n.state != Candidate {
		n.mu.Unlock()
		return
	}
	if err := n.advanceTermLocked(n.currentTerm + 1); err != nil {
		n.mu.Unlock()
		return
	}
	n.votedFor = n.id
	n.hasVote = true
	if err := n.engine.StoreVotedFor(n.id, true); err != nil {
		n.fatalLocked(0, n.currentTerm, err)
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	lastLogIndex := n.lastLogIndexLocked()
	lastLogTerm := n.lastLogTermLocked()
	cfg := n.cluster.Clone()
	n.mu.Unlock()

	n.logger.Info("election started",
		F("node_id", n.id),
		F("term", term),
		F("last_log_index", lastLogIndex))
	n.metrics.Counter("raft.elections.started", 1)

	timeout := n.randomElectionTimeout()
	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	selfVote := future.Resolved(&RequestVoteResponse{Term: term, VoteGranted: true})
	votes := []future.Vote[*RequestVoteResponse]{{Voter: n.id, Handle: selfVote}}
	for _, peer := range cfg.Voters() {
		if peer == n.id {
			continue
		}
		handle := n.transport.RequestVote(peer, req, timeout)
		votes = append(votes, future.Vote[*RequestVoteResponse]{Voter: peer, Handle: handle})
		go n.watchVoteReply(peer, term, handle)
	}

	granted := func(resp *RequestVoteResponse) bool {
		return resp != nil && resp.VoteGranted && resp.Term == term
	}

	var collector *future.Future[int]
	if cfg.IsJoint() {
		collector = future.CollectJoint(votes, cfg.Old, cfg.Members, timeout, granted)
	} else {
		handles := make([]*future.Future[*RequestVoteResponse], len(votes))
		for i, v := range votes {
			handles[i] = v.Handle
		}
		collector = future.Collect(handles, len(cfg.Members), timeout, granted)
	}

	select {
	case <-n.stopCh:
		return
	case <-collector.Done():
	}

	if _, err := collector.Result(); err == nil {
		n.mu.Lock()
		if n.state == Candidate && n.currentTerm == term {
			n.becomeLeaderLocked()
		}
		n.mu.Unlock()
		return
	}

	n.logger.Debug("election round failed",
		F("node_id", n.id),
		F("term", term))

	// Hold the candidate role for a full randomized timeout before the
	// next round, unless a legitimate leader emerges first.
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()
	select {
	case <-n.stopCh:
	case <-n.electionResetCh:
	case <-timer.C:
	}
}

// watchVoteReply observes each vote response for a higher term, which
// forces an immediate step-down even after the collector has decided.
func (n *Node) watchVoteReply(peer string, term uint64, handle *future.Future[*RequestVoteResponse]) {
	resp, err := handle.Result()
	if err != nil {
		n.logger.Debug("vote request failed",
			F("node_id", n.id),
			F("term", term),
			F("target", peer),
			F("error", err))
		n.metrics.Counter("raft.rpc.vote_failures", 1)
		return
	}
	n.mu.Lock()
	n.observeTermLocked(resp.Term)
	n.mu.Unlock()
}

// becomeLeaderLocked initializes leader state after winning an election:
// nextIndex one past the last entry for every peer, matchIndex zero, and
// a no-op barrier entry of the new term so prior-term entries can commit.
func (n *Node) becomeLeaderLocked() {
	n.state = Leader
	n.leaderHint = n.id

	lastLogIndex := n.lastLogIndexLocked()
	peers := make([]string, 0, len(n.cluster.Voters()))
	for _, peer := range n.cluster.Voters() {
		if peer != n.id {
			peers = append(peers, peer)
		}
	}
	n.tracker.reset(peers, lastLogIndex)

	n.logger.Info("became leader",
		F("node_id", n.id),
		F("term", n.currentTerm),
		F("last_log_index", lastLogIndex))
	n.metrics.Counter("raft.elections.won", 1)

	if _, err := n.appendLocalLocked(EntryNoop, nil); err != nil {
		return
	}
	// A single-member configuration commits on its own majority.
	n.advanceCommitLocked()
}
