// Package cluster tracks cluster members and decides whether a candidate
// node may join. The consensus core consults the authorization policy
// through the raft.MembershipAuthorizer interface and never interprets
// credentials itself.
package cluster

import (
	"crypto/subtle"
	"fmt"
	"sync"
)

// MemberState represents the lifecycle of a cluster member
type MemberState int

const (
	MemberStateJoining MemberState = iota
	MemberStateActive
	MemberStateLeaving
	MemberStateRemoved
)

// Member represents a cluster member
type Member struct {
	ID      string
	Address string
	Voting  bool
	State   MemberState
}

// Manager manages cluster membership metadata
type Manager struct {
	mu      sync.RWMutex
	members map[string]*Member
	version uint64
}

// NewManager creates an empty membership manager
func NewManager() *Manager {
	return &Manager{members: make(map[string]*Member)}
}

// AddMember adds a member in the joining state
func (m *Manager) AddMember(id, address string, voting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.members[id]; exists {
		return fmt.Errorf("member %s already exists", id)
	}
	m.members[id] = &Member{ID: id, Address: address, Voting: voting, State: MemberStateJoining}
	m.version++
	return nil
}

// ActivateMember marks a joining member active
func (m *Manager) ActivateMember(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, exists := m.members[id]
	if !exists {
		return fmt.Errorf("member %s does not exist", id)
	}
	member.State = MemberStateActive
	m.version++
	return nil
}

// RemoveMember marks a member removed
func (m *Manager) RemoveMember(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, exists := m.members[id]
	if !exists {
		return fmt.Errorf("member %s does not exist", id)
	}
	member.State = MemberStateRemoved
	m.version++
	return nil
}

// Address returns the registered address for a member
func (m *Manager) Address(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return "", false
	}
	return member.Address, true
}

// VotingMembers returns the active voting member IDs
func (m *Manager) VotingMembers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.members))
	for id, member := range m.members {
		if member.Voting && member.State == MemberStateActive {
			out = append(out, id)
		}
	}
	return out
}

// QuorumSize returns the majority threshold over active voting members
func (m *Manager) QuorumSize() int {
	return len(m.VotingMembers())/2 + 1
}

// Version returns the configuration version counter
func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// PSKAuthorizer admits nodes that registered the expected pre-shared key
type PSKAuthorizer struct {
	mu   sync.RWMutex
	keys map[string]string
}

// NewPSKAuthorizer creates an authorizer with no registered keys
func NewPSKAuthorizer() *PSKAuthorizer {
	return &PSKAuthorizer{keys: make(map[string]string)}
}

// Register records the key a node must present
func (a *PSKAuthorizer) Register(nodeID, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[nodeID] = key
}

// StaticAuthorizer admits exactly the node IDs it was built with
type StaticAuthorizer struct {
	allowed map[string]bool
}

// NewStaticAuthorizer builds an allow-list policy
func NewStaticAuthorizer(ids ...string) *StaticAuthorizer {
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	return &StaticAuthorizer{allowed: allowed}
}

// Authorize implements raft.MembershipAuthorizer
func (a *StaticAuthorizer) Authorize(nodeID string) bool {
	return a.allowed[nodeID]
}

// Verify checks a presented key against the registered one
func (a *PSKAuthorizer) Verify(nodeID, presented string) bool {
	a.mu.RLock()
	expected, ok := a.keys[nodeID]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// Authorize implements raft.MembershipAuthorizer: a node is admitted when
// it has a registered key.
func (a *PSKAuthorizer) Authorize(nodeID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.keys[nodeID]
	return ok
}
