package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzdtic/raftsim/pkg/raft"
)

func entries(pairs ...uint64) []raft.LogEntry {
	out := make([]raft.LogEntry, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, raft.LogEntry{Index: pairs[i], Term: pairs[i+1], Payload: []byte{byte(pairs[i])}})
	}
	return out
}

func testEngineContract(t *testing.T, engine raft.Engine) {
	t.Helper()

	// Empty slots read as absent.
	assert.Equal(t, uint64(0), engine.LoadTerm())
	_, voted := engine.LoadVotedFor()
	assert.False(t, voted)
	assert.Equal(t, uint64(0), engine.LastIndex())
	_, ok := engine.LoadSnapshot()
	assert.False(t, ok)

	require.NoError(t, engine.StoreTerm(3))
	require.NoError(t, engine.StoreVotedFor("node-2", true))
	assert.Equal(t, uint64(3), engine.LoadTerm())
	id, voted := engine.LoadVotedFor()
	assert.True(t, voted)
	assert.Equal(t, "node-2", id)

	require.NoError(t, engine.StoreVotedFor("", false))
	_, voted = engine.LoadVotedFor()
	assert.False(t, voted)

	require.NoError(t, engine.AppendEntries(entries(1, 1, 2, 1, 3, 2, 4, 2, 5, 3)))
	assert.Equal(t, uint64(5), engine.LastIndex())

	e, ok := engine.Entry(3)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Term)
	_, ok = engine.Entry(6)
	assert.False(t, ok)
	_, ok = engine.Entry(0)
	assert.False(t, ok)

	got := engine.Entries(2, 4)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[0].Index)
	assert.Equal(t, uint64(4), got[2].Index)

	// Out-of-range queries clamp instead of failing.
	assert.Len(t, engine.Entries(0, 100), 5)
	assert.Nil(t, engine.Entries(7, 9))

	require.NoError(t, engine.TruncateSuffix(4))
	assert.Equal(t, uint64(3), engine.LastIndex())
	_, ok = engine.Entry(4)
	assert.False(t, ok)

	snap := &raft.Snapshot{
		LastIncludedIndex: 2,
		LastIncludedTerm:  1,
		Configuration:     raft.NewConfiguration([]string{"node-1", "node-2"}),
		Data:              []byte("state"),
	}
	require.NoError(t, engine.StoreSnapshot(snap))
	loaded, ok := engine.LoadSnapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(2), loaded.LastIncludedIndex)
	assert.Equal(t, []byte("state"), loaded.Data)

	require.NoError(t, engine.CompactPrefix(3))
	_, ok = engine.Entry(2)
	assert.False(t, ok)
	e, ok = engine.Entry(3)
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.Index)
	assert.Equal(t, uint64(3), engine.LastIndex())
}

func TestMemoryEngine(t *testing.T) {
	engine := NewMemory()
	defer engine.Close()
	testEngineContract(t, engine)
}

func TestWALEngine(t *testing.T) {
	engine, err := NewWAL(t.TempDir())
	require.NoError(t, err)
	defer engine.Close()
	testEngineContract(t, engine)
}

// TestWALRecovery verifies every slot survives a close/reopen cycle, the
// crash-consistency contract of the durable layout.
func TestWALRecovery(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewWAL(dir)
	require.NoError(t, err)
	require.NoError(t, engine.StoreTerm(7))
	require.NoError(t, engine.StoreVotedFor("node-3", true))
	require.NoError(t, engine.AppendEntries(entries(1, 6, 2, 6, 3, 7)))
	require.NoError(t, engine.StoreSnapshot(&raft.Snapshot{
		LastIncludedIndex: 1,
		LastIncludedTerm:  6,
		Configuration:     raft.NewConfiguration([]string{"node-1"}),
		Data:              []byte("compacted"),
	}))
	require.NoError(t, engine.CompactPrefix(2))
	require.NoError(t, engine.Close())

	reopened, err := NewWAL(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(7), reopened.LoadTerm())
	id, voted := reopened.LoadVotedFor()
	assert.True(t, voted)
	assert.Equal(t, "node-3", id)
	assert.Equal(t, uint64(3), reopened.LastIndex())
	_, ok := reopened.Entry(1)
	assert.False(t, ok)
	e, ok := reopened.Entry(2)
	require.True(t, ok)
	assert.Equal(t, uint64(6), e.Term)

	snap, ok := reopened.LoadSnapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.LastIncludedIndex)
	assert.Equal(t, []byte("compacted"), snap.Data)
	assert.True(t, snap.Configuration.Contains("node-1"))
}

func TestWALSnapshotReplacement(t *testing.T) {
	dir := t.TempDir()
	engine, err := NewWAL(dir)
	require.NoError(t, err)
	defer engine.Close()

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, engine.StoreSnapshot(&raft.Snapshot{
			LastIncludedIndex: i * 10,
			LastIncludedTerm:  i,
			Configuration:     raft.NewConfiguration([]string{"node-1"}),
			Data:              []byte{byte(i)},
		}))
	}

	snap, ok := engine.LoadSnapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(30), snap.LastIncludedIndex)
	assert.Equal(t, []byte{3}, snap.Data)
}

func TestMemoryTruncateEverything(t *testing.T) {
	engine := NewMemory()
	require.NoError(t, engine.AppendEntries(entries(1, 1, 2, 1)))
	require.NoError(t, engine.TruncateSuffix(1))
	assert.Equal(t, uint64(0), engine.LastIndex())

	// Appending after a full truncation restarts cleanly.
	require.NoError(t, engine.AppendEntries(entries(1, 2)))
	e, ok := engine.Entry(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), e.Term)
}
