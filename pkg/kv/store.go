// Package kv is an in-memory key-value state machine driven by the
// replicated log. Commands carry a client session so retried submissions
// after a timeout are applied at most once.
package kv

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// CommandType enumerates store operations
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
	CommandGet
)

// Command is the payload format carried in log entries
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

// clientSession tracks the last request from each client for deduplication
type clientSession struct {
	LastRequestID uint64
	Response      []byte
}

// Store is the state machine
type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	sessions map[string]*clientSession
	applied  uint64
}

// New creates an empty store
func New() *Store {
	return &Store{
		data:     make(map[string][]byte),
		sessions: make(map[string]*clientSession),
	}
}

// Apply executes one committed command and returns its output
func (s *Store) Apply(index uint64, payload []byte) ([]byte, error) {
	cmd, err := DecodeCommand(payload)
	if err != nil {
		return nil, fmt.Errorf("undecodable command at index %d: %w", index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = index

	if cmd.ClientID != "" {
		if session, ok := s.sessions[cmd.ClientID]; ok && session.LastRequestID >= cmd.RequestID {
			return session.Response, nil
		}
	}

	var response []byte
	switch cmd.Type {
	case CommandSet:
		s.data[cmd.Key] = append([]byte(nil), cmd.Value...)
		response = cmd.Value
	case CommandDelete:
		delete(s.data, cmd.Key)
	case CommandGet:
		// Reads routed through the log observe the state as of this index.
		response = append([]byte(nil), s.data[cmd.Key]...)
	default:
		return nil, fmt.Errorf("unknown command type %d at index %d", cmd.Type, index)
	}

	if cmd.ClientID != "" {
		s.sessions[cmd.ClientID] = &clientSession{
			LastRequestID: cmd.RequestID,
			Response:      response,
		}
	}
	return response, nil
}

// Get reads a key directly, bypassing the log; only linearizable when
// the caller has routed a read barrier through the log first.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Len returns the number of keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// LastApplied returns the index of the last applied command
func (s *Store) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// storeState is the snapshot layout
type storeState struct {
	Data     map[string][]byte
	Sessions map[string]*clientSession
	Applied  uint64
}

// Snapshot captures the full store state
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(storeState{
		Data:     s.data,
		Sessions: s.sessions,
		Applied:  s.applied,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode store snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the store state from a snapshot
func (s *Store) Restore(data []byte) error {
	var state storeState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode store snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = state.Data
	s.sessions = state.Sessions
	s.applied = state.Applied
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	if s.sessions == nil {
		s.sessions = make(map[string]*clientSession)
	}
	return nil
}

// EncodeCommand serializes a command for submission
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCommand parses a command payload
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
