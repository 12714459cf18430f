package raft

import (
	"time"

	"github.com/vzdtic/raftsim/pkg/future"
)

// Engine is the durable storage consumed by a node: current term,
// voted-for, the log keyed by index, and the latest snapshot. Stores must
// be durable before they return; reads never fail but report absence.
type Engine interface {
	LoadTerm() uint64
	StoreTerm(term uint64) error

	// LoadVotedFor returns ("", false) when no vote is recorded for the
	// current term. StoreVotedFor("", false) clears the slot.
	LoadVotedFor() (string, bool)
	StoreVotedFor(id string, voted bool) error

	AppendEntries(entries []LogEntry) error
	Entry(index uint64) (LogEntry, bool)
	// Entries returns the entries with lo <= index <= hi, in index order.
	Entries(lo, hi uint64) []LogEntry
	LastIndex() uint64
	// TruncateSuffix erases all entries with index >= from.
	TruncateSuffix(from uint64) error

	StoreSnapshot(snap *Snapshot) error
	LoadSnapshot() (*Snapshot, bool)
	// CompactPrefix drops entries with index < before; before must not
	// exceed snapshot.LastIncludedIndex+1.
	CompactPrefix(before uint64) error

	Close() error
}

// Transport sends the three Raft RPCs and delivers inbound ones to a
// registered handler. Sends are asynchronous: the returned future resolves
// with the peer's response or fails with one of ErrTimeout, ErrUnreachable,
// future.ErrCancelled or ErrTransport. The transport never reorders
// requests relative to their dispatch to a single target.
type Transport interface {
	RequestVote(target string, req *RequestVoteRequest, timeout time.Duration) *future.Future[*RequestVoteResponse]
	AppendEntries(target string, req *AppendEntriesRequest, timeout time.Duration) *future.Future[*AppendEntriesResponse]
	InstallSnapshot(target string, req *InstallSnapshotRequest, timeout time.Duration) *future.Future[*InstallSnapshotResponse]

	RegisterHandler(h Handler)
	Close() error
}

// Handler receives inbound RPCs routed through a Transport
type Handler interface {
	HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse
	HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse
	HandleInstallSnapshot(req *InstallSnapshotRequest) *InstallSnapshotResponse
}

// StateMachine is the application the replicated log drives. Apply is
// called with strictly increasing indexes and returns the output handed
// back to the submitting client. An Apply error is fatal to the node.
type StateMachine interface {
	Apply(index uint64, payload []byte) ([]byte, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// MembershipAuthorizer validates a candidate member before the leader
// proposes adding it. The core does not interpret credentials.
type MembershipAuthorizer interface {
	Authorize(nodeID string) bool
}

// AuthorizeAll is the default open admission policy
type AuthorizeAll struct{}

func (AuthorizeAll) Authorize(string) bool { return true }
