package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
)

const (
	fileName = "raft.wal"
	// type(1) + payload length(4) + crc32(4)
	headerSize = 9
)

var (
	ErrCorrupted = errors.New("wal: corrupted record")
	ErrClosed    = errors.New("wal: closed")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

type RecordType uint8

const (
	EntryRecord RecordType = iota + 1
	StateRecord
)

// Record is one framed WAL record. Data is opaque for the WAL.
type Record struct {
	Type RecordType
	Data []byte
}

// WAL implements write-ahead logging
type WAL struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	writer   *bufio.Writer
	filePath string
}

// Open opens (or creates) the WAL in dir.
func Open(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:      dir,
		filePath: filepath.Join(dir, fileName),
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openFile() error {
	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	return nil
}

// Write appends records; with sync the call returns only after fsync.
func (w *WAL) Write(records []Record, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	for _, rec := range records {
		if err := writeRecord(w.writer, rec); err != nil {
			return fmt.Errorf("failed to write WAL record: %w", err)
		}
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}
	return nil
}

// Replay calls fn for every record in write order.
// A torn record at the tail (crash in the middle of a write) is cut off;
// corruption anywhere before the tail is reported as ErrCorrupted.
func (w *WAL) Replay(fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	data, err := os.ReadFile(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}

	var off int
	for off < len(data) {
		rec, n, err := decodeRecord(data[off:])
		if err != nil {
			if off+n < len(data) {
				return fmt.Errorf("%w at offset %d: %v", ErrCorrupted, off, err)
			}
			slog.Warn("truncating torn WAL tail", "path", w.filePath, "offset", off, "error", err)
			if err := w.file.Truncate(int64(off)); err != nil {
				return fmt.Errorf("failed to truncate WAL tail: %w", err)
			}
			if err := w.file.Sync(); err != nil {
				return fmt.Errorf("failed to sync WAL: %w", err)
			}
			return nil
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
		off += n
	}
	return nil
}

// Rewrite atomically replaces the WAL contents with records.
func (w *WAL) Rewrite(records []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create WAL temp file: %w", err)
	}
	bw := bufio.NewWriter(tmp)
	for _, rec := range records {
		if err := writeRecord(bw, rec); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write WAL record: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush WAL temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync WAL temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close WAL temp file: %w", err)
	}

	if err := w.file.Close(); err != nil {
		slog.Warn("failed to close old WAL file", "error", err)
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		return fmt.Errorf("failed to replace WAL: %w", err)
	}
	if err := syncDir(w.dir); err != nil {
		return err
	}
	return w.openFile()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

func writeRecord(bw *bufio.Writer, rec Record) error {
	if len(rec.Data) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(rec.Data))
	}

	var hdr [headerSize]byte
	hdr[0] = byte(rec.Type)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(rec.Data)))
	binary.LittleEndian.PutUint32(hdr[5:9], crc32.Checksum(rec.Data, crcTable))

	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := bw.Write(rec.Data)
	return err
}

// decodeRecord returns the record and the number of bytes it occupies.
// On error n is the number of bytes the broken record claims (or everything left).
func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < headerSize {
		return Record{}, len(buf), fmt.Errorf("short header: %d bytes", len(buf))
	}

	size := int(binary.LittleEndian.Uint32(buf[1:5]))
	if len(buf)-headerSize < size {
		return Record{}, len(buf), fmt.Errorf("short payload: want %d, have %d", size, len(buf)-headerSize)
	}

	n := headerSize + size
	payload := buf[headerSize:n]
	if crc32.Checksum(payload, crcTable) != binary.LittleEndian.Uint32(buf[5:9]) {
		return Record{}, n, fmt.Errorf("checksum mismatch")
	}

	rt := RecordType(buf[0])
	if rt != EntryRecord && rt != StateRecord {
		return Record{}, n, fmt.Errorf("unknown record type %d", rt)
	}

	data := make([]byte, size)
	copy(data, payload)
	return Record{Type: rt, Data: data}, n, nil
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
