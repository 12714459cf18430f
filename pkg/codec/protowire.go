package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vzdtic/raftsim/pkg/raft"
)

// Message kinds on the wire. The envelope is field 1 (kind, varint)
// followed by field 2 (body, bytes).
const (
	kindRequestVoteRequest = iota + 1
	kindRequestVoteResponse
	kindAppendEntriesRequest
	kindAppendEntriesResponse
	kindInstallSnapshotRequest
	kindInstallSnapshotResponse
)

const (
	envelopeKindField = 1
	envelopeBodyField = 2
)

// Wire is a Serializer on the protobuf wire format, with a hand-rolled
// field layout matching the RPC field tables. Decoding is strict: unknown
// fields, duplicated fields, wrong wire types, trailing garbage and
// term-0 requests are all rejected.
type Wire struct{}

// NewWire creates the codec
func NewWire() Wire {
	return Wire{}
}

func (Wire) Marshal(msg interface{}) ([]byte, error) {
	var kind uint64
	var body []byte
	switch m := msg.(type) {
	case *raft.RequestVoteRequest:
		kind = kindRequestVoteRequest
		body = appendRequestVoteRequest(nil, m)
	case *raft.RequestVoteResponse:
		kind = kindRequestVoteResponse
		body = appendRequestVoteResponse(nil, m)
	case *raft.AppendEntriesRequest:
		kind = kindAppendEntriesRequest
		body = appendAppendEntriesRequest(nil, m)
	case *raft.AppendEntriesResponse:
		kind = kindAppendEntriesResponse
		body = appendAppendEntriesResponse(nil, m)
	case *raft.InstallSnapshotRequest:
		kind = kindInstallSnapshotRequest
		body = appendInstallSnapshotRequest(nil, m)
	case *raft.InstallSnapshotResponse:
		kind = kindInstallSnapshotResponse
		body = appendInstallSnapshotResponse(nil, m)
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}

	out := protowire.AppendTag(nil, envelopeKindField, protowire.VarintType)
	out = protowire.AppendVarint(out, kind)
	out = protowire.AppendTag(out, envelopeBodyField, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}

func (Wire) Unmarshal(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, malformed("empty message")
	}

	var kind uint64
	var body []byte
	seenKind, seenBody := false, false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, malformed("bad envelope tag")
		}
		data = data[n:]
		switch {
		case num == envelopeKindField && typ == protowire.VarintType:
			if seenKind {
				return nil, malformed("duplicate kind")
			}
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, malformed("bad kind varint")
			}
			kind = v
			seenKind = true
			data = data[n:]
		case num == envelopeBodyField && typ == protowire.BytesType:
			if seenBody {
				return nil, malformed("duplicate body")
			}
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, malformed("bad body bytes")
			}
			body = b
			seenBody = true
			data = data[n:]
		default:
			return nil, malformed("unknown envelope field %d", num)
		}
	}
	if !seenKind || !seenBody {
		return nil, malformed("incomplete envelope")
	}

	switch kind {
	case kindRequestVoteRequest:
		return parseRequestVoteRequest(body)
	case kindRequestVoteResponse:
		return parseRequestVoteResponse(body)
	case kindAppendEntriesRequest:
		return parseAppendEntriesRequest(body)
	case kindAppendEntriesResponse:
		return parseAppendEntriesResponse(body)
	case kindInstallSnapshotRequest:
		return parseInstallSnapshotRequest(body)
	case kindInstallSnapshotResponse:
		return parseInstallSnapshotResponse(body)
	default:
		return nil, malformed("unknown message kind %d", kind)
	}
}

var _ Serializer = Wire{}

// --- field scanning ---

// fieldScanner walks a message body enforcing single occurrence of each
// known field and rejecting everything else.
type fieldScanner struct {
	data []byte
	seen map[protowire.Number]bool
}

func newScanner(data []byte) *fieldScanner {
	return &fieldScanner{data: data, seen: make(map[protowire.Number]bool)}
}

func (s *fieldScanner) next() (protowire.Number, protowire.Type, bool, error) {
	if len(s.data) == 0 {
		return 0, 0, false, nil
	}
	num, typ, n := protowire.ConsumeTag(s.data)
	if n < 0 {
		return 0, 0, false, malformed("bad field tag")
	}
	if s.seen[num] {
		return 0, 0, false, malformed("duplicate field %d", num)
	}
	s.data = s.data[n:]
	return num, typ, true, nil
}

// repeated marks a field as allowed to occur again
func (s *fieldScanner) repeated(num protowire.Number) {
	delete(s.seen, num)
}

func (s *fieldScanner) mark(num protowire.Number) {
	s.seen[num] = true
}

func (s *fieldScanner) varint(num protowire.Number, typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, malformed("field %d: expected varint", num)
	}
	v, n := protowire.ConsumeVarint(s.data)
	if n < 0 {
		return 0, malformed("field %d: bad varint", num)
	}
	s.data = s.data[n:]
	s.mark(num)
	return v, nil
}

func (s *fieldScanner) boolean(num protowire.Number, typ protowire.Type) (bool, error) {
	v, err := s.varint(num, typ)
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, malformed("field %d: bad bool %d", num, v)
	}
	return v == 1, nil
}

func (s *fieldScanner) bytes(num protowire.Number, typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, malformed("field %d: expected bytes", num)
	}
	b, n := protowire.ConsumeBytes(s.data)
	if n < 0 {
		return nil, malformed("field %d: bad bytes", num)
	}
	s.data = s.data[n:]
	s.mark(num)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *fieldScanner) str(num protowire.Number, typ protowire.Type) (string, error) {
	b, err := s.bytes(num, typ)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- RequestVote ---

func appendRequestVoteRequest(b []byte, m *raft.RequestVoteRequest) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendString(b, 2, m.CandidateID)
	b = appendUint(b, 3, m.LastLogIndex)
	b = appendUint(b, 4, m.LastLogTerm)
	return b
}

func parseRequestVoteRequest(body []byte) (*raft.RequestVoteRequest, error) {
	m := &raft.RequestVoteRequest{}
	s := newScanner(body)
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term, err = s.varint(num, typ)
		case 2:
			m.CandidateID, err = s.str(num, typ)
		case 3:
			m.LastLogIndex, err = s.varint(num, typ)
		case 4:
			m.LastLogTerm, err = s.varint(num, typ)
		default:
			err = malformed("request_vote_request: unknown field %d", num)
		}
		if err != nil {
			return nil, err
		}
	}
	if m.Term == 0 {
		return nil, malformed("request_vote_request: term 0")
	}
	return m, nil
}

func appendRequestVoteResponse(b []byte, m *raft.RequestVoteResponse) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendBool(b, 2, m.VoteGranted)
	return b
}

func parseRequestVoteResponse(body []byte) (*raft.RequestVoteResponse, error) {
	m := &raft.RequestVoteResponse{}
	s := newScanner(body)
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term, err = s.varint(num, typ)
		case 2:
			m.VoteGranted, err = s.boolean(num, typ)
		default:
			err = malformed("request_vote_response: unknown field %d", num)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- AppendEntries ---

func appendLogEntry(b []byte, e raft.LogEntry) []byte {
	var body []byte
	body = appendUint(body, 1, e.Term)
	body = appendUint(body, 2, e.Index)
	body = appendUint(body, 3, uint64(e.Type))
	if len(e.Payload) > 0 {
		body = protowire.AppendTag(body, 4, protowire.BytesType)
		body = protowire.AppendBytes(body, e.Payload)
	}
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

func parseLogEntry(body []byte) (raft.LogEntry, error) {
	var e raft.LogEntry
	s := newScanner(body)
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return e, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			e.Term, err = s.varint(num, typ)
		case 2:
			e.Index, err = s.varint(num, typ)
		case 3:
			var v uint64
			v, err = s.varint(num, typ)
			if err == nil {
				if v > uint64(raft.EntryNoop) {
					err = malformed("log_entry: bad type %d", v)
				} else {
					e.Type = raft.EntryType(v)
				}
			}
		case 4:
			e.Payload, err = s.bytes(num, typ)
		default:
			err = malformed("log_entry: unknown field %d", num)
		}
		if err != nil {
			return e, err
		}
	}
	if e.Index == 0 || e.Term == 0 {
		return e, malformed("log_entry: zero index or term")
	}
	return e, nil
}

func appendAppendEntriesRequest(b []byte, m *raft.AppendEntriesRequest) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendString(b, 2, m.LeaderID)
	b = appendUint(b, 3, m.PrevLogIndex)
	b = appendUint(b, 4, m.PrevLogTerm)
	for _, e := range m.Entries {
		b = appendLogEntry(b, e)
	}
	b = appendUint(b, 6, m.LeaderCommit)
	return b
}

func parseAppendEntriesRequest(body []byte) (*raft.AppendEntriesRequest, error) {
	m := &raft.AppendEntriesRequest{}
	s := newScanner(body)
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term, err = s.varint(num, typ)
		case 2:
			m.LeaderID, err = s.str(num, typ)
		case 3:
			m.PrevLogIndex, err = s.varint(num, typ)
		case 4:
			m.PrevLogTerm, err = s.varint(num, typ)
		case 5:
			var raw []byte
			raw, err = s.bytes(num, typ)
			s.repeated(num)
			if err == nil {
				var e raft.LogEntry
				e, err = parseLogEntry(raw)
				if err == nil {
					m.Entries = append(m.Entries, e)
				}
			}
		case 6:
			m.LeaderCommit, err = s.varint(num, typ)
		default:
			err = malformed("append_entries_request: unknown field %d", num)
		}
		if err != nil {
			return nil, err
		}
	}
	if m.Term == 0 {
		return nil, malformed("append_entries_request: term 0")
	}
	return m, nil
}

func appendAppendEntriesResponse(b []byte, m *raft.AppendEntriesResponse) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	b = appendUint(b, 3, m.ConflictIndex)
	b = appendUint(b, 4, m.ConflictTerm)
	return b
}

func parseAppendEntriesResponse(body []byte) (*raft.AppendEntriesResponse, error) {
	m := &raft.AppendEntriesResponse{}
	s := newScanner(body)
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term, err = s.varint(num, typ)
		case 2:
			m.Success, err = s.boolean(num, typ)
		case 3:
			m.ConflictIndex, err = s.varint(num, typ)
		case 4:
			m.ConflictTerm, err = s.varint(num, typ)
		default:
			err = malformed("append_entries_response: unknown field %d", num)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- InstallSnapshot ---

func appendInstallSnapshotRequest(b []byte, m *raft.InstallSnapshotRequest) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendString(b, 2, m.LeaderID)
	b = appendUint(b, 3, m.LastIncludedIndex)
	b = appendUint(b, 4, m.LastIncludedTerm)
	b = appendUint(b, 5, m.Offset)
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	b = appendBool(b, 7, m.Done)
	return b
}

func parseInstallSnapshotRequest(body []byte) (*raft.InstallSnapshotRequest, error) {
	m := &raft.InstallSnapshotRequest{}
	s := newScanner(body)
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term, err = s.varint(num, typ)
		case 2:
			m.LeaderID, err = s.str(num, typ)
		case 3:
			m.LastIncludedIndex, err = s.varint(num, typ)
		case 4:
			m.LastIncludedTerm, err = s.varint(num, typ)
		case 5:
			m.Offset, err = s.varint(num, typ)
		case 6:
			m.Data, err = s.bytes(num, typ)
		case 7:
			m.Done, err = s.boolean(num, typ)
		default:
			err = malformed("install_snapshot_request: unknown field %d", num)
		}
		if err != nil {
			return nil, err
		}
	}
	if m.Term == 0 {
		return nil, malformed("install_snapshot_request: term 0")
	}
	return m, nil
}

func appendInstallSnapshotResponse(b []byte, m *raft.InstallSnapshotResponse) []byte {
	return appendUint(b, 1, m.Term)
}

func parseInstallSnapshotResponse(body []byte) (*raft.InstallSnapshotResponse, error) {
	m := &raft.InstallSnapshotResponse{}
	s := newScanner(body)
	for {
		num, typ, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			m.Term, err = s.varint(num, typ)
		default:
			err = malformed("install_snapshot_response: unknown field %d", num)
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- append helpers ---

// Zero-valued fields are encoded explicitly so round-trip equality holds
// field by field without presence tracking.
func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	var u uint64
	if v {
		u = 1
	}
	return appendUint(b, num, u)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
