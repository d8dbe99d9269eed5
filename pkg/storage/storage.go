package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"raftkv/pkg/compression"
	"raftkv/pkg/dberrors"
	"raftkv/pkg/store"
	"raftkv/pkg/wal"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Storage persists the raft log, the hard state and snapshots, and owns the state machine.
//
// raft.MemoryStorage is the in-memory index of what the WAL holds on disk; every mutation
// goes to the WAL first. mu makes Storage the single writer for log, snapshots and apply.
type Storage struct {
	mu sync.Mutex

	ms   *raft.MemoryStorage
	wal  *wal.WAL
	snap *snapshotter
	sm   *store.Store

	hardState raftpb.HardState
	confState raftpb.ConfState
}

var _ raft.Storage = (*Storage)(nil)

type options struct {
	snapshotCodec compression.Codec
}

type Option func(*options)

// WithSnapshotCodec sets how new snapshot files are compressed. Existing files are
// read with the codec recorded in them.
func WithSnapshotCodec(c compression.Codec) Option {
	return func(o *options) { o.snapshotCodec = c }
}

// Open loads the newest snapshot, replays the WAL on top of it and re-applies committed
// entries to the state machine, so the returned Storage is ready to serve.
func Open(dir string, opts ...Option) (*Storage, error) {
	o := options{snapshotCodec: compression.Zstd}
	for _, opt := range opts {
		opt(&o)
	}

	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", dberrors.ErrPersistence, err)
	}

	snap, err := newSnapshotter(filepath.Join(dir, "snap"), o.snapshotCodec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrPersistence, err)
	}
	journal, err := wal.Open(filepath.Join(dir, "wal"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrPersistence, err)
	}

	s := &Storage{
		ms:   raft.NewMemoryStorage(),
		wal:  journal,
		snap: snap,
		sm:   store.New(),
	}
	if err := s.recover(); err != nil {
		_ = journal.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) recover() error {
	snap, err := s.snap.loadNewest()
	switch {
	case errors.Is(err, errNoSnapshot):
	case err != nil:
		return fmt.Errorf("%w: %v", dberrors.ErrPersistence, err)
	default:
		decoded, err := decodeSnapshot(snap)
		if err != nil {
			return fmt.Errorf("%w: %v", dberrors.ErrPersistence, err)
		}
		if err := s.ms.ApplySnapshot(snap); err != nil {
			return fmt.Errorf("%w: load snapshot: %v", dberrors.ErrPersistence, err)
		}
		s.sm.Install(decoded)
		s.confState = snap.Metadata.ConfState
		s.hardState.Term = snap.Metadata.Term
		s.hardState.Commit = snap.Metadata.Index
	}

	err = s.wal.Replay(func(rec wal.Record) error {
		switch rec.Type {
		case wal.StateRecord:
			var hs raftpb.HardState
			if err := hs.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("unmarshal hard state: %w", err)
			}
			s.hardState = hs
		case wal.EntryRecord:
			var e raftpb.Entry
			if err := e.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			if err := s.checkContiguous([]raftpb.Entry{e}); err != nil {
				return err
			}
			return s.ms.Append([]raftpb.Entry{e})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replay WAL: %v", dberrors.ErrPersistence, err)
	}

	// crash between snapshot save and WAL rewrite leaves an older hard state in the WAL
	if snapMeta := s.snapshotMetadata(); snapMeta.Index > s.hardState.Commit {
		s.hardState.Commit = snapMeta.Index
		if s.hardState.Term < snapMeta.Term {
			s.hardState.Term = snapMeta.Term
			s.hardState.Vote = raft.None
		}
	}

	// записи до commit уже подтверждены кворумом, применяем их до старта
	last, _ := s.ms.LastIndex()
	commit := min(s.hardState.Commit, last)
	applied := s.sm.AppliedIndex()
	if commit > applied {
		ents, err := s.ms.Entries(applied+1, commit+1, math.MaxUint64)
		if err != nil {
			return fmt.Errorf("%w: read committed entries: %v", dberrors.ErrPersistence, err)
		}
		if _, err := s.applyLocked(ents); err != nil {
			return fmt.Errorf("%w: replay committed entries: %v", dberrors.ErrPersistence, err)
		}
	}

	first, _ := s.ms.FirstIndex()
	slog.Info("storage recovered",
		"first_index", first,
		"last_index", last,
		"term", s.hardState.Term,
		"vote", s.hardState.Vote,
		"commit", s.hardState.Commit,
		"applied", s.sm.AppliedIndex())
	return nil
}

// IsEmpty reports whether nothing was ever persisted, i.e. the node boots for the first time.
func (s *Storage) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, _ := s.ms.LastIndex()
	return last == 0 && raft.IsEmptyHardState(s.hardState)
}

// Save durably writes entries and the hard state in one WAL batch.
// Entries overlapping the tail replace the conflicting suffix.
func (s *Storage) Save(hs raftpb.HardState, entries []raftpb.Entry, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(hs, entries, sync)
}

func (s *Storage) saveLocked(hs raftpb.HardState, entries []raftpb.Entry, sync bool) error {
	if err := s.checkContiguous(entries); err != nil {
		return err
	}
	if !raft.IsEmptyHardState(hs) {
		if err := s.checkHardState(hs); err != nil {
			return err
		}
	}

	records := make([]wal.Record, 0, len(entries)+1)
	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return fmt.Errorf("%w: marshal entry: %v", dberrors.ErrPersistence, err)
		}
		records = append(records, wal.Record{Type: wal.EntryRecord, Data: data})
	}
	if !raft.IsEmptyHardState(hs) {
		data, err := hs.Marshal()
		if err != nil {
			return fmt.Errorf("%w: marshal hard state: %v", dberrors.ErrPersistence, err)
		}
		records = append(records, wal.Record{Type: wal.StateRecord, Data: data})
	}
	if len(records) == 0 {
		return nil
	}

	if err := s.wal.Write(records, sync); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrPersistence, err)
	}

	if err := s.ms.Append(entries); err != nil {
		return fmt.Errorf("%w: append to log index: %v", dberrors.ErrPersistence, err)
	}
	if !raft.IsEmptyHardState(hs) {
		s.hardState = hs
	}
	return nil
}

// checkContiguous rejects batches with holes, or batches starting past the log tail.
func (s *Storage) checkContiguous(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Index != entries[i-1].Index+1 {
			return fmt.Errorf("non-contiguous entries: %d after %d", entries[i].Index, entries[i-1].Index)
		}
	}
	last, _ := s.ms.LastIndex()
	if entries[0].Index > last+1 {
		return fmt.Errorf("missing log entries: last %d, append at %d", last, entries[0].Index)
	}
	return nil
}

// checkHardState: term never goes back, and a vote cast in a term cannot change.
func (s *Storage) checkHardState(hs raftpb.HardState) error {
	cur := s.hardState
	if hs.Term < cur.Term {
		return fmt.Errorf("%w: term %d is behind current term %d", dberrors.ErrStaleRequest, hs.Term, cur.Term)
	}
	if hs.Term == cur.Term && cur.Vote != raft.None && hs.Vote != cur.Vote {
		return fmt.Errorf("%w: already voted for %d in term %d", dberrors.ErrStaleRequest, cur.Vote, cur.Term)
	}
	return nil
}

// AppendLog appends entries and returns once they are on disk.
func (s *Storage) AppendLog(entries []raftpb.Entry) error {
	return s.Save(raftpb.HardState{}, entries, true)
}

// GetLogRange returns entries in [lo, hi). A range reaching into the compacted
// prefix or past the tail fails with ErrNotFound.
func (s *Storage) GetLogRange(lo, hi uint64) ([]raftpb.Entry, error) {
	if lo >= hi {
		return nil, nil
	}

	first, _ := s.ms.FirstIndex()
	last, _ := s.ms.LastIndex()
	if lo < first {
		return nil, fmt.Errorf("%w: log range [%d, %d): %w", dberrors.ErrNotFound, lo, hi, raft.ErrCompacted)
	}
	if hi > last+1 {
		return nil, fmt.Errorf("%w: log range [%d, %d): %w", dberrors.ErrNotFound, lo, hi, raft.ErrUnavailable)
	}

	ents, err := s.ms.Entries(lo, hi, math.MaxUint64)
	if err != nil {
		return nil, fmt.Errorf("%w: log range [%d, %d): %w", dberrors.ErrNotFound, lo, hi, err)
	}
	return ents, nil
}

// HardState returns the last persisted hard state.
func (s *Storage) HardState() raftpb.HardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardState
}

// SaveHardState durably persists term and vote, keeping the commit index.
func (s *Storage) SaveHardState(term, votedFor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs := raftpb.HardState{Term: term, Vote: votedFor, Commit: s.hardState.Commit}
	return s.saveLocked(hs, nil, true)
}

// ApplyToStateMachine applies committed entries in index order, each exactly once.
// Per-command results carry deterministic apply errors; the returned error means
// the node can no longer make progress.
func (s *Storage) ApplyToStateMachine(entries []raftpb.Entry) ([]store.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(entries)
}

func (s *Storage) applyLocked(entries []raftpb.Entry) ([]store.Result, error) {
	applied := s.sm.AppliedIndex()

	batch := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Index <= applied {
			continue
		}
		switch e.Type {
		case raftpb.EntryNormal:
			batch = append(batch, store.Entry{Index: e.Index, Data: e.Data})
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal conf change at %d: %w", e.Index, err)
			}
			s.confState = applyConfChange(s.confState, cc)
			batch = append(batch, store.Entry{Index: e.Index})
		default:
			// ConfChangeV2 is never proposed: membership is static
			batch = append(batch, store.Entry{Index: e.Index})
		}
	}
	return s.sm.Apply(batch)
}

// applyConfChange tracks voters for snapshots and InitialState. Only the bootstrap
// AddNode changes occur in practice.
func applyConfChange(cs raftpb.ConfState, cc raftpb.ConfChange) raftpb.ConfState {
	voters := slices.Clone(cs.Voters)
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		if !slices.Contains(voters, cc.NodeID) {
			voters = append(voters, cc.NodeID)
			slices.Sort(voters)
		}
	case raftpb.ConfChangeRemoveNode:
		voters = slices.DeleteFunc(voters, func(id uint64) bool { return id == cc.NodeID })
	}
	cs.Voters = voters
	return cs
}

// CreateSnapshot serializes the state machine at its applied index, persists it and
// compacts the log up to that index.
func (s *Storage) CreateSnapshot() (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, applied, err := s.sm.Snapshot()
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	cs := s.confState
	snap, err := s.ms.CreateSnapshot(applied, &cs, data)
	if err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return raftpb.Snapshot{}, fmt.Errorf("%w: snapshot at %d: %w", dberrors.ErrStaleRequest, applied, err)
		}
		return raftpb.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}

	if err := s.snap.save(snap); err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("%w: %v", dberrors.ErrPersistence, err)
	}
	if err := s.ms.Compact(applied); err != nil && !errors.Is(err, raft.ErrCompacted) {
		return raftpb.Snapshot{}, fmt.Errorf("compact log: %w", err)
	}
	if err := s.rewriteWALLocked(); err != nil {
		return raftpb.Snapshot{}, err
	}

	slog.Info("snapshot created", "index", snap.Metadata.Index, "term", snap.Metadata.Term, "bytes", len(data))
	return snap, nil
}

// InstallSnapshot replaces the state machine and drops the log up to the snapshot index.
// A snapshot not newer than the applied index is ignored.
func (s *Storage) InstallSnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := snap.Metadata.Index
	if applied := s.sm.AppliedIndex(); idx <= applied {
		slog.Info("ignoring stale snapshot", "snapshot_index", idx, "applied", applied)
		return nil
	}

	// ничего не меняем, пока снапшот не проверен
	decoded, err := decodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.snap.save(snap); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrPersistence, err)
	}
	if err := s.ms.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("apply snapshot to log: %w", err)
	}
	s.sm.Install(decoded)

	s.confState = snap.Metadata.ConfState
	if s.hardState.Term < snap.Metadata.Term {
		s.hardState.Term = snap.Metadata.Term
		s.hardState.Vote = raft.None
	}
	s.hardState.Commit = max(s.hardState.Commit, idx)

	if err := s.rewriteWALLocked(); err != nil {
		return err
	}

	slog.Info("snapshot installed", "index", idx, "term", snap.Metadata.Term)
	return nil
}

// rewriteWALLocked leaves in the WAL only the hard state and entries after the snapshot.
func (s *Storage) rewriteWALLocked() error {
	first, _ := s.ms.FirstIndex()
	last, _ := s.ms.LastIndex()

	var records []wal.Record
	if last >= first {
		ents, err := s.ms.Entries(first, last+1, math.MaxUint64)
		if err != nil {
			return fmt.Errorf("read log tail: %w", err)
		}
		for i := range ents {
			data, err := ents[i].Marshal()
			if err != nil {
				return fmt.Errorf("%w: marshal entry: %v", dberrors.ErrPersistence, err)
			}
			records = append(records, wal.Record{Type: wal.EntryRecord, Data: data})
		}
	}
	if !raft.IsEmptyHardState(s.hardState) {
		data, err := s.hardState.Marshal()
		if err != nil {
			return fmt.Errorf("%w: marshal hard state: %v", dberrors.ErrPersistence, err)
		}
		records = append(records, wal.Record{Type: wal.StateRecord, Data: data})
	}

	if err := s.wal.Rewrite(records); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrPersistence, err)
	}
	return nil
}

// ReadStateMachine runs fn against a consistent view of the state machine.
func (s *Storage) ReadStateMachine(fn func(r store.Reader)) {
	s.sm.View(fn)
}

func (s *Storage) AppliedIndex() uint64 {
	return s.sm.AppliedIndex()
}

// SnapshotIndex is the index of the newest snapshot, 0 if there is none.
func (s *Storage) SnapshotIndex() uint64 {
	return s.snapshotMetadata().Index
}

func (s *Storage) snapshotMetadata() raftpb.SnapshotMetadata {
	snap, _ := s.ms.Snapshot()
	return snap.Metadata
}

func (s *Storage) ConfState() raftpb.ConfState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confState
}

func (s *Storage) Close() error {
	return s.wal.Close()
}

// raft.Storage

func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardState, s.confState, nil
}

func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	return s.ms.Entries(lo, hi, maxSize)
}

func (s *Storage) Term(i uint64) (uint64, error) {
	return s.ms.Term(i)
}

func (s *Storage) LastIndex() (uint64, error) {
	return s.ms.LastIndex()
}

func (s *Storage) FirstIndex() (uint64, error) {
	return s.ms.FirstIndex()
}

func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	return s.ms.Snapshot()
}

// decodeSnapshot parses the state machine payload and checks it against the metadata.
func decodeSnapshot(snap raftpb.Snapshot) (*store.DecodedSnapshot, error) {
	decoded, err := store.DecodeSnapshot(snap.Data)
	if err != nil {
		return nil, fmt.Errorf("restore state machine: %w", err)
	}
	if got := decoded.AppliedIndex(); got != snap.Metadata.Index {
		return nil, fmt.Errorf("snapshot payload applied index %d does not match metadata index %d", got, snap.Metadata.Index)
	}
	return decoded, nil
}
