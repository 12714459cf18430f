// Package persist provides the durable storage engines behind a raft
// node: an in-memory engine for tests and simulation, and a file-backed
// write-ahead log with CRC-framed records for real deployments.
package persist

import (
	"sync"

	"github.com/vzdtic/raftsim/pkg/raft"
)

// Memory is a heap-backed engine. Stores are trivially "durable" for the
// lifetime of the process; it backs simulator clusters and tests.
type Memory struct {
	mu       sync.RWMutex
	term     uint64
	votedFor string
	hasVote  bool
	entries  []raft.LogEntry
	snapshot *raft.Snapshot
}

// NewMemory creates an empty in-memory engine
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) LoadTerm() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term
}

func (m *Memory) StoreTerm(term uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	return nil
}

func (m *Memory) LoadVotedFor() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.votedFor, m.hasVote
}

func (m *Memory) StoreVotedFor(id string, voted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votedFor = id
	m.hasVote = voted
	return nil
}

func (m *Memory) AppendEntries(entries []raft.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

// slot returns the slice position of a log index, or -1
func (m *Memory) slot(index uint64) int {
	if len(m.entries) == 0 {
		return -1
	}
	base := m.entries[0].Index
	if index < base || index > m.entries[len(m.entries)-1].Index {
		return -1
	}
	return int(index - base)
}

func (m *Memory) Entry(index uint64) (raft.LogEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.slot(index)
	if i < 0 {
		return raft.LogEntry{}, false
	}
	return m.entries[i], true
}

func (m *Memory) Entries(lo, hi uint64) []raft.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 || hi < lo {
		return nil
	}
	base := m.entries[0].Index
	if lo < base {
		lo = base
	}
	last := m.entries[len(m.entries)-1].Index
	if hi > last {
		hi = last
	}
	if hi < lo {
		return nil
	}
	out := make([]raft.LogEntry, hi-lo+1)
	copy(out, m.entries[lo-base:hi-base+1])
	return out
}

func (m *Memory) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Index
}

func (m *Memory) TruncateSuffix(from uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	base := m.entries[0].Index
	if from <= base {
		m.entries = nil
		return nil
	}
	if from > m.entries[len(m.entries)-1].Index {
		return nil
	}
	m.entries = m.entries[:from-base]
	return nil
}

func (m *Memory) StoreSnapshot(snap *raft.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *snap
	copied.Data = append([]byte(nil), snap.Data...)
	copied.Configuration = snap.Configuration.Clone()
	m.snapshot = &copied
	return nil
}

func (m *Memory) LoadSnapshot() (*raft.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, false
	}
	copied := *m.snapshot
	return &copied, true
}

func (m *Memory) CompactPrefix(before uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	base := m.entries[0].Index
	if before <= base {
		return nil
	}
	last := m.entries[len(m.entries)-1].Index
	if before > last {
		m.entries = nil
		return nil
	}
	kept := make([]raft.LogEntry, last-before+1)
	copy(kept, m.entries[before-base:])
	m.entries = kept
	return nil
}

func (m *Memory) Close() error {
	return nil
}

var _ raft.Engine = (*Memory)(nil)
