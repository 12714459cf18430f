package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vzdtic/raftsim/pkg/raft"
)

func roundTrip(t *testing.T, msg interface{}) interface{} {
	t.Helper()
	w := NewWire()
	data, err := w.Marshal(msg)
	require.NoError(t, err)
	out, err := w.Unmarshal(data)
	require.NoError(t, err)
	return out
}

func TestRoundTripRequestVote(t *testing.T) {
	req := &raft.RequestVoteRequest{
		Term:         7,
		CandidateID:  "node-2",
		LastLogIndex: 41,
		LastLogTerm:  6,
	}
	assert.Equal(t, req, roundTrip(t, req))

	resp := &raft.RequestVoteResponse{Term: 7, VoteGranted: true}
	assert.Equal(t, resp, roundTrip(t, resp))
}

func TestRoundTripAppendEntries(t *testing.T) {
	req := &raft.AppendEntriesRequest{
		Term:         3,
		LeaderID:     "node-1",
		PrevLogIndex: 10,
		PrevLogTerm:  2,
		Entries: []raft.LogEntry{
			{Index: 11, Term: 3, Type: raft.EntryNormal, Payload: []byte{0x01, 0x02}},
			{Index: 12, Term: 3, Type: raft.EntryNoop},
			{Index: 13, Term: 3, Type: raft.EntryConfig, Payload: []byte("cfg")},
		},
		LeaderCommit: 10,
	}
	assert.Equal(t, req, roundTrip(t, req))

	resp := &raft.AppendEntriesResponse{Term: 3, Success: false, ConflictIndex: 4, ConflictTerm: 2}
	assert.Equal(t, resp, roundTrip(t, resp))
}

func TestRoundTripInstallSnapshot(t *testing.T) {
	req := &raft.InstallSnapshotRequest{
		Term:              9,
		LeaderID:          "node-3",
		LastIncludedIndex: 80,
		LastIncludedTerm:  8,
		Offset:            65536,
		Data:              []byte("chunk"),
		Done:              true,
	}
	assert.Equal(t, req, roundTrip(t, req))

	resp := &raft.InstallSnapshotResponse{Term: 9}
	assert.Equal(t, resp, roundTrip(t, resp))
}

// TestRoundTripProperty exercises identity on randomly generated values
// of every message kind.
func TestRoundTripProperty(t *testing.T) {
	w := NewWire()

	term := func(t *rapid.T, label string) uint64 {
		return rapid.Uint64Range(1, 1<<40).Draw(t, label)
	}
	payload := func(t *rapid.T, label string) []byte {
		b := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, label)
		return b
	}

	rapid.Check(t, func(rt *rapid.T) {
		var msg interface{}
		switch rapid.IntRange(0, 5).Draw(rt, "kind") {
		case 0:
			msg = &raft.RequestVoteRequest{
				Term:         term(rt, "term"),
				CandidateID:  rapid.StringN(0, 24, 24).Draw(rt, "cand"),
				LastLogIndex: rapid.Uint64().Draw(rt, "lli"),
				LastLogTerm:  rapid.Uint64().Draw(rt, "llt"),
			}
		case 1:
			msg = &raft.RequestVoteResponse{
				Term:        rapid.Uint64().Draw(rt, "term"),
				VoteGranted: rapid.Bool().Draw(rt, "granted"),
			}
		case 2:
			count := rapid.IntRange(0, 5).Draw(rt, "entries")
			var entries []raft.LogEntry
			for i := 0; i < count; i++ {
				entries = append(entries, raft.LogEntry{
					Index:   rapid.Uint64Range(1, 1<<40).Draw(rt, "index"),
					Term:    term(rt, "eterm"),
					Type:    raft.EntryType(rapid.IntRange(0, 2).Draw(rt, "etype")),
					Payload: payload(rt, "payload"),
				})
			}
			msg = &raft.AppendEntriesRequest{
				Term:         term(rt, "term"),
				LeaderID:     rapid.StringN(0, 24, 24).Draw(rt, "leader"),
				PrevLogIndex: rapid.Uint64().Draw(rt, "pli"),
				PrevLogTerm:  rapid.Uint64().Draw(rt, "plt"),
				Entries:      entries,
				LeaderCommit: rapid.Uint64().Draw(rt, "commit"),
			}
		case 3:
			msg = &raft.AppendEntriesResponse{
				Term:          rapid.Uint64().Draw(rt, "term"),
				Success:       rapid.Bool().Draw(rt, "success"),
				ConflictIndex: rapid.Uint64().Draw(rt, "ci"),
				ConflictTerm:  rapid.Uint64().Draw(rt, "ct"),
			}
		case 4:
			msg = &raft.InstallSnapshotRequest{
				Term:              term(rt, "term"),
				LeaderID:          rapid.StringN(0, 24, 24).Draw(rt, "leader"),
				LastIncludedIndex: rapid.Uint64().Draw(rt, "lii"),
				LastIncludedTerm:  rapid.Uint64().Draw(rt, "lit"),
				Offset:            rapid.Uint64().Draw(rt, "offset"),
				Data:              payload(rt, "data"),
				Done:              rapid.Bool().Draw(rt, "done"),
			}
		default:
			msg = &raft.InstallSnapshotResponse{
				Term: rapid.Uint64().Draw(rt, "term"),
			}
		}

		data, err := w.Marshal(msg)
		if err != nil {
			rt.Fatalf("marshal failed: %v", err)
		}
		out, err := w.Unmarshal(data)
		if err != nil {
			rt.Fatalf("unmarshal failed: %v", err)
		}
		assert.Equal(t, msg, out)
	})
}

// TestMalformedRejection: random byte sequences, wrong-type and
// missing-field messages all fail to deserialize.
func TestMalformedRejection(t *testing.T) {
	w := NewWire()

	t.Run("random bytes", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			data := rapid.SliceOfN(rapid.Byte(), 1, 128).Draw(rt, "data")
			value, err := w.Unmarshal(data)
			if err == nil {
				// The odds of random bytes forming a valid envelope are
				// negligible; a success here is a real finding.
				rt.Fatalf("random bytes decoded to %T", value)
			}
		})
	})

	t.Run("empty", func(t *testing.T) {
		_, err := w.Unmarshal(nil)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("truncated", func(t *testing.T) {
		data, err := w.Marshal(&raft.RequestVoteRequest{Term: 3, CandidateID: "a", LastLogIndex: 1, LastLogTerm: 1})
		require.NoError(t, err)
		for cut := 1; cut < len(data); cut++ {
			if _, err := w.Unmarshal(data[:cut]); err == nil {
				t.Fatalf("truncation at %d decoded", cut)
			}
		}
	})

	t.Run("term zero request", func(t *testing.T) {
		data, err := w.Marshal(&raft.RequestVoteRequest{Term: 0, CandidateID: "a"})
		require.NoError(t, err)
		_, err = w.Unmarshal(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("trailing garbage", func(t *testing.T) {
		data, err := w.Marshal(&raft.RequestVoteResponse{Term: 1})
		require.NoError(t, err)
		_, err = w.Unmarshal(append(data, 0xFF))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := w.Marshal(struct{ X int }{1})
		assert.Error(t, err)
	})
}
