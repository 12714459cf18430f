package raft

// maybeSnapshot compacts the log once the uncompacted entry count crosses
// the configured threshold.
func (n *Node) maybeSnapshot() {
	n.mu.Lock()
	threshold := n.config.SnapshotThreshold
	size := n.engine.LastIndex() - n.snapIndex
	if threshold == 0 || size < threshold || n.snapshotting {
		n.mu.Unlock()
		return
	}
	n.snapshotting = true
	n.mu.Unlock()

	err := n.TakeSnapshot()

	n.mu.Lock()
	n.snapshotting = false
	n.mu.Unlock()

	if err != nil {
		n.logger.Error("snapshot failed",
			F("node_id", n.id),
			F("term", n.CurrentTerm()),
			F("error", err))
	}
}

// TakeSnapshot captures the state machine through lastApplied, stores the
// snapshot and compacts the covered log prefix.
func (n *Node) TakeSnapshot() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	index := n.lastApplied
	if index <= n.snapIndex {
		return nil
	}
	term := n.termAtLocked(index)

	data, err := n.sm.Snapshot()
	if err != nil {
		return err
	}

	snap := &Snapshot{
		LastIncludedIndex: index,
		LastIncludedTerm:  term,
		Configuration:     n.cluster.Clone(),
		Data:              data,
	}
	if err := n.engine.StoreSnapshot(snap); err != nil {
		n.fatalLocked(index, n.currentTerm, err)
		return err
	}
	if err := n.engine.CompactPrefix(index + 1); err != nil {
		n.fatalLocked(index, n.currentTerm, err)
		return err
	}

	n.snapIndex = index
	n.snapTerm = term
	n.metrics.Counter("raft.snapshots.taken", 1)
	n.logger.Info("snapshot taken",
		F("node_id", n.id),
		F("term", n.currentTerm),
		F("last_included_index", index))
	return nil
}
