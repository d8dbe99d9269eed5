package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"raftkv/pkg/compression"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const snapSuffix = ".snap"

var (
	errNoSnapshot = errors.New("no snapshot")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// snapshotter keeps the newest snapshot on disk as <term>-<index>.snap.
// File layout: crc32c(codec+payload) | codec | compressed raftpb.Snapshot.
type snapshotter struct {
	dir   string
	codec compression.Codec
}

func newSnapshotter(dir string, codec compression.Codec) (*snapshotter, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &snapshotter{dir: dir, codec: codec}, nil
}

func snapName(term, index uint64) string {
	return fmt.Sprintf("%016x-%016x%s", term, index, snapSuffix)
}

func (s *snapshotter) save(snap raftpb.Snapshot) error {
	raw, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data, err := compression.Compress(s.codec, raw)
	if err != nil {
		return err
	}

	buf := make([]byte, 5+len(data))
	buf[4] = byte(s.codec)
	copy(buf[5:], data)
	binary.LittleEndian.PutUint32(buf[:4], crc32.Checksum(buf[4:], crcTable))

	name := snapName(snap.Metadata.Term, snap.Metadata.Index)
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync snapshot file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}

	s.prune(name)
	return nil
}

// prune removes every snapshot except keep. Failures are only logged.
func (s *snapshotter) prune(keep string) {
	names, err := s.list()
	if err != nil {
		slog.Warn("failed to list snapshots", "dir", s.dir, "error", err)
		return
	}
	for _, name := range names {
		if name == keep {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			slog.Warn("failed to remove old snapshot", "name", name, "error", err)
		}
	}
}

// list returns snapshot file names, newest first.
func (s *snapshotter) list() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), snapSuffix) {
			continue
		}
		names = append(names, de.Name())
	}
	// hex-encoded term-index sorts lexicographically in log order
	slices.Sort(names)
	slices.Reverse(names)
	return names, nil
}

// loadNewest returns the newest readable snapshot, skipping broken files.
func (s *snapshotter) loadNewest() (raftpb.Snapshot, error) {
	names, err := s.list()
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("list snapshots: %w", err)
	}
	for _, name := range names {
		snap, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("skipping unreadable snapshot", "name", name, "error", err)
			continue
		}
		return snap, nil
	}
	return raftpb.Snapshot{}, errNoSnapshot
}

func (s *snapshotter) read(path string) (raftpb.Snapshot, error) {
	var snap raftpb.Snapshot

	buf, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if len(buf) < 5 {
		return snap, fmt.Errorf("snapshot file too short")
	}
	if crc32.Checksum(buf[4:], crcTable) != binary.LittleEndian.Uint32(buf[:4]) {
		return snap, fmt.Errorf("snapshot checksum mismatch")
	}
	data, err := compression.Decompress(compression.Codec(buf[4]), buf[5:])
	if err != nil {
		return snap, err
	}
	if err := snap.Unmarshal(data); err != nil {
		return snap, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir: %w", err)
	}
	return nil
}
