package raft

// applyLoop is the single worker that advances lastApplied. Entries apply
// strictly one index at a time with no gaps; a pending client handle is
// fulfilled only after its entry's application has completed, which is
// what makes a client-visible success linearizable.
func (n *Node) applyLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.applySignal:
		}
		if !n.drainCommitted() {
			return
		}
	}
}

// drainCommitted applies everything committed but not yet applied. It
// returns false when the node must halt.
func (n *Node) drainCommitted() bool {
	for {
		n.mu.Lock()
		if n.failed {
			n.mu.Unlock()
			return false
		}
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			n.maybeSnapshot()
			return true
		}

		index := n.lastApplied + 1
		entry, ok := n.engine.Entry(index)
		if !ok {
			if index <= n.snapIndex {
				// A concurrently installed snapshot covers this index and
				// already advanced lastApplied; re-read.
				n.mu.Unlock()
				continue
			}
			n.fatalLocked(index, n.currentTerm, ErrLogCompacted)
			n.mu.Unlock()
			return false
		}

		var result []byte
		var err error
		if entry.Type == EntryNormal {
			result, err = n.sm.Apply(index, entry.Payload)
		}
		if err != nil {
			n.fatalLocked(index, entry.Term, err)
			if p, exists := n.pending[index]; exists {
				p.fail(&FatalError{Index: index, Term: entry.Term, Err: err})
				delete(n.pending, index)
			}
			n.mu.Unlock()
			return false
		}

		n.lastApplied = index
		n.metrics.Gauge("raft.last_applied", float64(index))

		p, exists := n.pending[index]
		if exists {
			delete(n.pending, index)
		}

		halt := false
		if entry.Type == EntryConfig {
			halt = n.committedConfigRemovesSelfLocked(entry)
		}
		n.mu.Unlock()

		// Fulfillment strictly after application.
		if exists {
			if p.term == entry.Term {
				p.resolve(result)
			} else {
				p.fail(&LeadershipLostError{})
			}
		}

		if halt {
			n.stopOnce.Do(func() { close(n.stopCh) })
			return false
		}
	}
}

// committedConfigRemovesSelfLocked reports whether a committed final
// configuration excludes this node, which requires it to step down and
// halt.
func (n *Node) committedConfigRemovesSelfLocked(entry LogEntry) bool {
	cfg, err := DecodeConfiguration(entry.Payload)
	if err != nil || cfg.IsJoint() {
		return false
	}
	if cfg.Contains(n.id) {
		return false
	}
	n.logger.Info("removed from cluster, halting",
		F("node_id", n.id),
		F("term", n.currentTerm),
		F("index", entry.Index))
	n.state = Follower
	return true
}
