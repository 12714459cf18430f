package raft

import (
	"time"

	"github.com/vzdtic/raftsim/pkg/future"
)

// pendingRequest binds a submitted command to its log position. The
// completion handle is fulfilled exactly once: with the state machine's
// output after the entry applies, or with an error on timeout, leadership
// loss or shutdown.
type pendingRequest struct {
	index  uint64
	term   uint64
	handle *future.Future[[]byte]
	timer  *time.Timer
}

func (p *pendingRequest) resolve(result []byte) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.handle.Resolve(result)
}

func (p *pendingRequest) fail(err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.handle.Fail(err)
}

// appendLocalLocked appends one entry at the leader's next index and
// persists it.
func (n *Node) appendLocalLocked(t EntryType, payload []byte) (LogEntry, error) {
	e := LogEntry{
		Index:   n.lastLogIndexLocked() + 1,
		Term:    n.currentTerm,
		Type:    t,
		Payload: payload,
	}
	if err := n.engine.AppendEntries([]LogEntry{e}); err != nil {
		n.fatalLocked(e.Index, e.Term, err)
		return e, err
	}
	return e, nil
}

// registerPendingLocked tracks a freshly appended entry until it applies
func (n *Node) registerPendingLocked(index, term uint64, timeout time.Duration) *future.Future[[]byte] {
	handle := future.New[[]byte]()
	p := &pendingRequest{index: index, term: term, handle: handle}
	if timeout > 0 {
		nodeID, nodeTerm := n.id, term
		p.timer = time.AfterFunc(timeout, func() {
			if handle.Fail(ErrTimeout) {
				// The entry may still commit and apply; clients retry
				// idempotently.
				n.logger.Warn("commit wait timed out",
					F("node_id", nodeID),
					F("term", nodeTerm),
					F("index", index))
			}
		})
	}
	n.pending[index] = p
	return handle
}

// SubmitCommand appends an opaque command to the replicated log. The
// returned handle resolves with the state machine's output once the entry
// has committed and applied, or fails with NotLeaderError immediately on
// a non-leader, with ErrTimeout when the deadline elapses first, or with
// LeadershipLostError if leadership is lost before the entry commits.
func (n *Node) SubmitCommand(payload []byte, timeout time.Duration) *future.Future[[]byte] {
	n.mu.Lock()
	if n.failed {
		n.mu.Unlock()
		return future.Failed[[]byte](ErrNodeStopped)
	}
	if n.state != Leader {
		hint := n.leaderHint
		n.mu.Unlock()
		return future.Failed[[]byte](&NotLeaderError{LeaderHint: hint})
	}

	e, err := n.appendLocalLocked(EntryNormal, payload)
	if err != nil {
		n.mu.Unlock()
		return future.Failed[[]byte](&FatalError{Index: e.Index, Term: e.Term, Err: err})
	}
	handle := n.registerPendingLocked(e.Index, e.Term, timeout)

	// A single-node cluster commits on its own majority.
	n.advanceCommitLocked()
	n.mu.Unlock()

	n.broadcastAppendEntries()
	return handle
}

// failPendingLocked finalizes every pending request matching pred
func (n *Node) failPendingLocked(pred func(*pendingRequest) bool, err error) {
	for index, p := range n.pending {
		if pred(p) {
			p.fail(err)
			delete(n.pending, index)
		}
	}
}
