package raft

import (
	"time"

	"github.com/vzdtic/raftsim/pkg/future"
)

// AddServer drives a joint-consensus reconfiguration adding one voting
// member. Usable only on the leader; at most one change runs at a time.
func (n *Node) AddServer(id string, timeout time.Duration) *future.Future[struct{}] {
	return n.changeMembership(id, true, timeout)
}

// RemoveServer drives a joint-consensus reconfiguration removing one
// voting member. A removed node halts once the final configuration
// commits.
func (n *Node) RemoveServer(id string, timeout time.Duration) *future.Future[struct{}] {
	return n.changeMembership(id, false, timeout)
}

// changeMembership runs the two-entry joint-consensus protocol: commit
// C_old,new, then commit C_new. Both entries are adopted at append time;
// while the joint entry is in effect every quorum needs majorities in
// both sets.
func (n *Node) changeMembership(id string, adding bool, timeout time.Duration) *future.Future[struct{}] {
	result := future.New[struct{}]()

	n.mu.Lock()
	if n.state != Leader {
		hint := n.leaderHint
		n.mu.Unlock()
		result.Fail(&NotLeaderError{LeaderHint: hint})
		return result
	}
	if n.configPending {
		n.mu.Unlock()
		result.Fail(ErrConfigPending)
		return result
	}
	if adding && !n.auth.Authorize(id) {
		members := n.cluster.Voters()
		n.mu.Unlock()
		result.Fail(&ConfigRejectedError{Reason: "membership authorization denied", Members: members})
		return result
	}

	current := n.cluster.Clone()
	newMembers := make([]string, 0, len(current.Members)+1)
	for member := range current.Members {
		if member != id {
			newMembers = append(newMembers, member)
		}
	}
	if adding {
		if current.Members[id] {
			n.mu.Unlock()
			result.Resolve(struct{}{})
			return result
		}
		newMembers = append(newMembers, id)
	} else if !current.Members[id] {
		n.mu.Unlock()
		result.Resolve(struct{}{})
		return result
	}

	joint := current.Joint(newMembers)
	payload, err := EncodeConfiguration(joint)
	if err != nil {
		n.mu.Unlock()
		result.Fail(err)
		return result
	}
	entry, err := n.appendLocalLocked(EntryConfig, payload)
	if err != nil {
		n.mu.Unlock()
		result.Fail(err)
		return result
	}
	n.configPending = true
	n.adoptConfigurationLocked(joint, entry.Index)
	jointDone := n.registerPendingLocked(entry.Index, entry.Term, timeout)
	n.mu.Unlock()

	n.broadcastAppendEntries()

	go n.finishMembershipChange(joint, jointDone, timeout, result)
	return result
}

// finishMembershipChange waits for the joint entry to commit and then
// proposes the final configuration.
func (n *Node) finishMembershipChange(joint Configuration, jointDone *future.Future[[]byte], timeout time.Duration, result *future.Future[struct{}]) {
	if _, err := jointDone.Result(); err != nil {
		n.rejectMembershipChange("joint configuration did not commit", err, result)
		return
	}

	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		n.rejectMembershipChange("leadership lost during joint phase", ErrLeadershipLost, result)
		return
	}
	final := joint.Final()
	payload, err := EncodeConfiguration(final)
	if err != nil {
		n.mu.Unlock()
		n.rejectMembershipChange("final configuration encode failed", err, result)
		return
	}
	entry, err := n.appendLocalLocked(EntryConfig, payload)
	if err != nil {
		n.mu.Unlock()
		n.rejectMembershipChange("final configuration append failed", err, result)
		return
	}
	n.adoptConfigurationLocked(final, entry.Index)
	finalDone := n.registerPendingLocked(entry.Index, entry.Term, timeout)
	n.mu.Unlock()

	n.broadcastAppendEntries()

	if _, err := finalDone.Result(); err != nil {
		n.rejectMembershipChange("final configuration did not commit", err, result)
		return
	}

	n.mu.Lock()
	n.configPending = false
	n.mu.Unlock()
	result.Resolve(struct{}{})
}

func (n *Node) rejectMembershipChange(reason string, err error, result *future.Future[struct{}]) {
	n.mu.Lock()
	n.configPending = false
	members := n.cluster.Voters()
	term := n.currentTerm
	n.mu.Unlock()

	n.logger.Error("configuration change failed",
		F("node_id", n.id),
		F("term", term),
		F("reason", reason),
		F("error", err),
		F("members", members))
	n.metrics.Counter("raft.config_changes.rejected", 1)

	result.Fail(&ConfigRejectedError{Reason: reason, Members: members})
}
