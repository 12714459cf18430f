package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// snapshotPayload is what actually travels in InstallSnapshot chunks: the
// state-machine bytes plus the configuration in effect at the snapshot
// point, so a restored follower knows its membership.
type snapshotPayload struct {
	Configuration Configuration
	State         []byte
}

func encodeSnapshotPayload(cfg Configuration, state []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshotPayload{Configuration: cfg, State: state}); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSnapshotPayload(data []byte) (snapshotPayload, error) {
	var p snapshotPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return snapshotPayload{}, fmt.Errorf("failed to decode snapshot payload: %w", err)
	}
	return p, nil
}

// incomingSnapshot assembles chunks of one snapshot transfer, keyed by
// (LastIncludedIndex, LastIncludedTerm).
type incomingSnapshot struct {
	lastIncludedIndex uint64
	lastIncludedTerm  uint64
	buf               []byte
}

// HandleRequestVote implements the inbound vote handler. The vote, when
// granted, is persisted before the reply is returned.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &RequestVoteResponse{Term: n.currentTerm}

	// Term 0 never appears on the wire from a live candidate; elections
	// always advance the term first.
	if req.Term == 0 || req.Term < n.currentTerm {
		return resp
	}

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
		resp.Term = n.currentTerm
	}

	upToDate := req.LastLogTerm > n.lastLogTermLocked() ||
		(req.LastLogTerm == n.lastLogTermLocked() && req.LastLogIndex >= n.lastLogIndexLocked())

	canVote := !n.hasVote || n.votedFor == req.CandidateID

	if canVote && upToDate {
		n.votedFor = req.CandidateID
		n.hasVote = true
		if err := n.engine.StoreVotedFor(req.CandidateID, true); err != nil {
			n.fatalLocked(0, n.currentTerm, err)
			return resp
		}
		n.resetElectionTimer()
		resp.VoteGranted = true
		n.logger.Debug("vote granted",
			F("node_id", n.id),
			F("term", n.currentTerm),
			F("candidate", req.CandidateID))
	}

	return resp
}

// HandleAppendEntries implements the inbound replication handler. Appended
// entries are persisted before the reply is returned; configuration
// entries take effect immediately on append.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &AppendEntriesResponse{Term: n.currentTerm}

	if req.Term == 0 || req.Term < n.currentTerm {
		return resp
	}

	if req.Term > n.currentTerm || n.state == Candidate || n.state == Leader {
		n.stepDownLocked(req.Term)
	}
	resp.Term = n.currentTerm

	n.resetElectionTimer()
	n.leaderHint = req.LeaderID

	// Log-match check
	if req.PrevLogIndex > 0 && req.PrevLogIndex > n.snapIndex {
		lastLogIndex := n.lastLogIndexLocked()
		if req.PrevLogIndex > lastLogIndex {
			resp.ConflictIndex = lastLogIndex + 1
			return resp
		}
		if t := n.termAtLocked(req.PrevLogIndex); t != req.PrevLogTerm {
			resp.ConflictTerm = t
			resp.ConflictIndex = n.firstIndexOfTermLocked(t, req.PrevLogIndex)
			if err := n.engine.TruncateSuffix(req.PrevLogIndex); err != nil {
				n.fatalLocked(req.PrevLogIndex, n.currentTerm, err)
				return resp
			}
			n.recomputeConfigurationLocked()
			return resp
		}
	}

	// Append entries not already present
	var toAppend []LogEntry
	truncated := false
	for _, e := range req.Entries {
		if e.Index <= n.snapIndex {
			continue
		}
		if len(toAppend) > 0 {
			toAppend = append(toAppend, e)
			continue
		}
		existing, ok := n.engine.Entry(e.Index)
		if ok && existing.Term == e.Term {
			continue
		}
		if ok {
			if err := n.engine.TruncateSuffix(e.Index); err != nil {
				n.fatalLocked(e.Index, n.currentTerm, err)
				return resp
			}
			truncated = true
		}
		toAppend = append(toAppend, e)
	}
	if truncated {
		n.recomputeConfigurationLocked()
	}
	if len(toAppend) > 0 {
		if err := n.engine.AppendEntries(toAppend); err != nil {
			n.fatalLocked(toAppend[0].Index, n.currentTerm, err)
			return resp
		}
		for _, e := range toAppend {
			if e.Type != EntryConfig {
				continue
			}
			cfg, err := DecodeConfiguration(e.Payload)
			if err != nil {
				n.logger.Error("undecodable configuration entry",
					F("node_id", n.id),
					F("term", n.currentTerm),
					F("index", e.Index),
					F("error", err))
				continue
			}
			n.adoptConfigurationLocked(cfg, e.Index)
		}
	}

	if req.LeaderCommit > n.commitIndex {
		commit := req.LeaderCommit
		if last := n.lastLogIndexLocked(); commit > last {
			commit = last
		}
		if commit > n.commitIndex {
			n.commitIndex = commit
			n.signalApply()
		}
	}

	resp.Success = true
	return resp
}

// HandleInstallSnapshot assembles snapshot chunks and installs the
// snapshot once the Done chunk arrives.
func (n *Node) HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	resp := &InstallSnapshotResponse{Term: n.currentTerm}

	if req.Term == 0 || req.Term < n.currentTerm {
		return resp
	}

	if req.Term > n.currentTerm || n.state != Follower {
		n.stepDownLocked(req.Term)
	}
	resp.Term = n.currentTerm

	n.resetElectionTimer()
	n.leaderHint = req.LeaderID

	// Chunk assembly, keyed by (index, term). A chunk that does not
	// continue the current transfer restarts assembly from offset zero.
	if n.incoming == nil ||
		n.incoming.lastIncludedIndex != req.LastIncludedIndex ||
		n.incoming.lastIncludedTerm != req.LastIncludedTerm ||
		uint64(len(n.incoming.buf)) != req.Offset {
		if req.Offset != 0 {
			n.incoming = nil
			return resp
		}
		n.incoming = &incomingSnapshot{
			lastIncludedIndex: req.LastIncludedIndex,
			lastIncludedTerm:  req.LastIncludedTerm,
		}
	}
	n.incoming.buf = append(n.incoming.buf, req.Data...)

	if !req.Done {
		return resp
	}

	payload := n.incoming.buf
	n.incoming = nil
	n.installSnapshotLocked(req.LastIncludedIndex, req.LastIncludedTerm, payload)
	return resp
}

// installSnapshotLocked stores an assembled snapshot, compacts the log and
// restores the state machine when the snapshot is ahead of it.
func (n *Node) installSnapshotLocked(lastIncludedIndex, lastIncludedTerm uint64, payload []byte) {
	if lastIncludedIndex <= n.snapIndex {
		return
	}

	p, err := decodeSnapshotPayload(payload)
	if err != nil {
		n.logger.Error("snapshot payload rejected",
			F("node_id", n.id),
			F("term", n.currentTerm),
			F("last_included_index", lastIncludedIndex),
			F("error", err))
		return
	}

	snap := &Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Configuration:     p.Configuration.Clone(),
		Data:              p.State,
	}
	if err := n.engine.StoreSnapshot(snap); err != nil {
		n.fatalLocked(lastIncludedIndex, n.currentTerm, err)
		return
	}

	// If the log has the snapshot's last entry, the suffix beyond it is
	// retained; otherwise the whole log is superseded.
	if n.termAtLocked(lastIncludedIndex) != lastIncludedTerm {
		if err := n.engine.TruncateSuffix(lastIncludedIndex + 1); err != nil {
			n.fatalLocked(lastIncludedIndex, n.currentTerm, err)
			return
		}
	}
	if err := n.engine.CompactPrefix(lastIncludedIndex + 1); err != nil {
		n.fatalLocked(lastIncludedIndex, n.currentTerm, err)
		return
	}

	n.snapIndex = lastIncludedIndex
	n.snapTerm = lastIncludedTerm
	if n.configIndex <= lastIncludedIndex {
		n.adoptConfigurationLocked(snap.Configuration, lastIncludedIndex)
	}

	if lastIncludedIndex >= n.lastApplied {
		if err := n.sm.Restore(snap.Data); err != nil {
			n.fatalLocked(lastIncludedIndex, n.currentTerm, err)
			return
		}
		n.lastApplied = lastIncludedIndex
		if lastIncludedIndex > n.commitIndex {
			n.commitIndex = lastIncludedIndex
		}
	}

	n.logger.Info("snapshot installed",
		F("node_id", n.id),
		F("term", n.currentTerm),
		F("last_included_index", lastIncludedIndex))
	n.signalApply()
}
