package raft

// broadcastAppendEntries runs the send policy once for every follower.
// With no new entries the resulting empty AppendEntries doubles as the
// heartbeat.
func (n *Node) broadcastAppendEntries() {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	voters := n.cluster.Voters()
	n.mu.Unlock()

	for _, peer := range voters {
		if peer == n.id {
			continue
		}
		go n.replicateTo(peer, term)
	}
}

// replicateTo dispatches one AppendEntries (or a snapshot transfer when
// the follower has fallen behind the compacted log) to a single peer. The
// in-flight gate guarantees at most one outstanding exchange per peer.
func (n *Node) replicateTo(peer string, term uint64) {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	if !n.tracker.begin(peer) {
		n.mu.Unlock()
		return
	}

	next := n.tracker.nextIndex(peer)
	if n.snapIndex > 0 && next <= n.snapIndex {
		snap, ok := n.engine.LoadSnapshot()
		n.mu.Unlock()
		if !ok {
			n.finishPeer(peer)
			return
		}
		n.sendSnapshot(peer, term, snap)
		return
	}

	prevLogIndex := next - 1
	prevLogTerm := n.termAtLocked(prevLogIndex)
	lastLogIndex := n.lastLogIndexLocked()

	var entries []LogEntry
	if next <= lastLogIndex {
		hi := next + uint64(n.config.MaxBatchEntries) - 1
		if hi > lastLogIndex {
			hi = lastLogIndex
		}
		entries = n.engine.Entries(next, hi)
	}

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	handle := n.transport.AppendEntries(peer, req, n.config.HeartbeatInterval*3)
	resp, err := handle.Result()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.tracker.finish(peer)

	if err != nil {
		// Unreachable this tick; the next tick retries automatically.
		n.logger.Debug("append entries failed",
			F("node_id", n.id),
			F("term", term),
			F("target", peer),
			F("error", err))
		n.metrics.Counter("raft.rpc.append_failures", 1)
		return
	}

	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}

	if resp.Success {
		matched := prevLogIndex
		if len(entries) > 0 {
			matched = entries[len(entries)-1].Index
		}
		n.tracker.observeSuccess(peer, matched)
		n.advanceCommitLocked()
		return
	}

	n.tracker.observeConflict(peer, resp, n.lastIndexOfTermLocked, n.snapIndex+1)
}

func (n *Node) finishPeer(peer string) {
	n.mu.Lock()
	n.tracker.finish(peer)
	n.mu.Unlock()
}

// sendSnapshot streams the snapshot to a lagging follower in
// SnapshotChunkSize pieces, strictly in offset order, finishing with the
// Done chunk. The in-flight gate held by the caller covers the whole
// transfer.
func (n *Node) sendSnapshot(peer string, term uint64, snap *Snapshot) {
	defer n.finishPeer(peer)

	n.logger.Info("sending snapshot",
		F("node_id", n.id),
		F("term", term),
		F("target", peer),
		F("last_included_index", snap.LastIncludedIndex))

	data, err := encodeSnapshotPayload(snap.Configuration, snap.Data)
	if err != nil {
		n.logger.Error("snapshot encode failed",
			F("node_id", n.id),
			F("term", term),
			F("target", peer),
			F("error", err))
		return
	}
	chunkSize := n.config.SnapshotChunkSize
	offset := 0
	for {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		done := end == len(data)

		req := &InstallSnapshotRequest{
			Term:              term,
			LeaderID:          n.id,
			LastIncludedIndex: snap.LastIncludedIndex,
			LastIncludedTerm:  snap.LastIncludedTerm,
			Offset:            uint64(offset),
			Data:              data[offset:end],
			Done:              done,
		}

		handle := n.transport.InstallSnapshot(peer, req, n.config.ElectionTimeoutMax)
		resp, err := handle.Result()
		if err != nil {
			n.logger.Warn("snapshot chunk failed",
				F("node_id", n.id),
				F("term", term),
				F("target", peer),
				F("offset", offset),
				F("error", err))
			return
		}

		n.mu.Lock()
		if resp.Term > n.currentTerm {
			n.stepDownLocked(resp.Term)
			n.mu.Unlock()
			return
		}
		if n.state != Leader || n.currentTerm != term {
			n.mu.Unlock()
			return
		}
		if done {
			n.tracker.observeSnapshot(peer, snap.LastIncludedIndex)
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		offset = end
	}
}

// advanceCommitLocked recomputes the commit index from match indexes and
// wakes the apply loop when it moves.
func (n *Node) advanceCommitLocked() {
	next := n.tracker.commitIndex(
		n.cluster,
		n.id,
		n.lastLogIndexLocked(),
		n.commitIndex,
		n.termAtLocked,
		n.currentTerm,
	)
	if next <= n.commitIndex {
		return
	}
	n.commitIndex = next
	n.metrics.Gauge("raft.commit_index", float64(next))
	n.signalApply()
}

func (n *Node) signalApply() {
	select {
	case n.applySignal <- struct{}{}:
	default:
	}
}
