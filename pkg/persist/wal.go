package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vzdtic/raftsim/pkg/raft"
)

const (
	walFileName      = "raft.wal"
	snapshotFileName = "snapshot.dat"
	recordHeaderSize = 8 // 4 bytes CRC + 4 bytes length
)

// walState is the durable record layout: all four logical slots except
// the snapshot, which lives in its own file so it can be replaced
// atomically.
type walState struct {
	CurrentTerm uint64
	VotedFor    string
	HasVote     bool
	Entries     []raft.LogEntry
}

// WAL is a file-backed engine. Every mutation rewrites and fsyncs the
// state record before returning, so a crash at any suspension point
// recovers to the last completed store.
type WAL struct {
	mu       sync.RWMutex
	dir      string
	file     *os.File
	state    walState
	snapshot *raft.Snapshot
}

// NewWAL opens (or creates) the engine rooted at dir and recovers any
// existing state.
func NewWAL(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	w := &WAL{dir: dir}
	if err := w.recover(); err != nil {
		return nil, fmt.Errorf("failed to recover WAL: %w", err)
	}
	return w, nil
}

func (w *WAL) recover() error {
	snapPath := filepath.Join(w.dir, snapshotFileName)
	if snap, err := readSnapshotFile(snapPath); err == nil {
		w.snapshot = snap
	} else if !os.IsNotExist(err) {
		return err
	}

	walPath := filepath.Join(w.dir, walFileName)
	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.file = file

	data, err := readRecord(file)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w.state); err != nil {
		return fmt.Errorf("failed to decode WAL record: %w", err)
	}
	return nil
}

// persist writes the full state record back to disk; caller holds the lock
func (w *WAL) persist() error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w.state); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAL file: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL file: %w", err)
	}
	if err := writeRecord(w.file, buf.Bytes()); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *WAL) LoadTerm() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.CurrentTerm
}

func (w *WAL) StoreTerm(term uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.CurrentTerm = term
	return w.persist()
}

func (w *WAL) LoadVotedFor() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.VotedFor, w.state.HasVote
}

func (w *WAL) StoreVotedFor(id string, voted bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.VotedFor = id
	w.state.HasVote = voted
	return w.persist()
}

func (w *WAL) AppendEntries(entries []raft.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Entries = append(w.state.Entries, entries...)
	return w.persist()
}

func (w *WAL) slot(index uint64) int {
	if len(w.state.Entries) == 0 {
		return -1
	}
	base := w.state.Entries[0].Index
	if index < base || index > w.state.Entries[len(w.state.Entries)-1].Index {
		return -1
	}
	return int(index - base)
}

func (w *WAL) Entry(index uint64) (raft.LogEntry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	i := w.slot(index)
	if i < 0 {
		return raft.LogEntry{}, false
	}
	return w.state.Entries[i], true
}

func (w *WAL) Entries(lo, hi uint64) []raft.LogEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	entries := w.state.Entries
	if len(entries) == 0 || hi < lo {
		return nil
	}
	base := entries[0].Index
	if lo < base {
		lo = base
	}
	last := entries[len(entries)-1].Index
	if hi > last {
		hi = last
	}
	if hi < lo {
		return nil
	}
	out := make([]raft.LogEntry, hi-lo+1)
	copy(out, entries[lo-base:hi-base+1])
	return out
}

func (w *WAL) LastIndex() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.state.Entries) == 0 {
		return 0
	}
	return w.state.Entries[len(w.state.Entries)-1].Index
}

func (w *WAL) TruncateSuffix(from uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := w.state.Entries
	if len(entries) == 0 {
		return nil
	}
	base := entries[0].Index
	if from <= base {
		w.state.Entries = nil
	} else if from <= entries[len(entries)-1].Index {
		w.state.Entries = entries[:from-base]
	} else {
		return nil
	}
	return w.persist()
}

func (w *WAL) StoreSnapshot(snap *raft.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	// Write-then-rename keeps the previous snapshot intact on a crash.
	path := filepath.Join(w.dir, snapshotFileName)
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if err := writeRecord(file, buf.Bytes()); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}

	copied := *snap
	copied.Data = append([]byte(nil), snap.Data...)
	copied.Configuration = snap.Configuration.Clone()
	w.snapshot = &copied
	return nil
}

func (w *WAL) LoadSnapshot() (*raft.Snapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.snapshot == nil {
		return nil, false
	}
	copied := *w.snapshot
	return &copied, true
}

func (w *WAL) CompactPrefix(before uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := w.state.Entries
	if len(entries) == 0 {
		return nil
	}
	base := entries[0].Index
	if before <= base {
		return nil
	}
	last := entries[len(entries)-1].Index
	if before > last {
		w.state.Entries = nil
	} else {
		kept := make([]raft.LogEntry, last-before+1)
		copy(kept, entries[before-base:])
		w.state.Entries = kept
	}
	return w.persist()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// writeRecord frames data with a CRC32 + length header
func writeRecord(out io.Writer, data []byte) error {
	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	if _, err := out.Write(header); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	return nil
}

// readRecord reads one framed record and verifies its checksum
func readRecord(in io.Reader) ([]byte, error) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(in, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	crc := binary.LittleEndian.Uint32(header[:4])
	length := binary.LittleEndian.Uint32(header[4:8])
	data := make([]byte, length)
	if _, err := io.ReadFull(in, data); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(data) != crc {
		return nil, fmt.Errorf("CRC mismatch in WAL record")
	}
	return data, nil
}

func readSnapshotFile(path string) (*raft.Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := readRecord(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot record: %w", err)
	}
	var snap raft.Snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

var _ raft.Engine = (*WAL)(nil)
