package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"
)

type orderedMap = skipmap.FuncMap[string, string]

func newOrderedMap() *orderedMap {
	return skipmap.NewFunc[string, string](func(a, b string) bool {
		return a < b
	})
}

// Entry is a committed log entry as seen by the state machine.
// Empty Data marks an entry that only advances the applied index (no-op, conf change).
type Entry struct {
	Index uint64
	Data  []byte
}

// Result is the outcome of one applied command. Err is deterministic across replicas.
type Result struct {
	Index uint64
	ID    uuid.UUID
	Err   error
}

// Reader is a point-in-time view of the state machine, valid only inside View.
type Reader interface {
	Get(key string) (string, bool)
	Len() int
	Range(fn func(key, value string) bool)
	AppliedIndex() uint64
}

// Store is the deterministic key-value state machine.
// Batches are applied under the write lock, so readers never see a half-applied batch.
type Store struct {
	mu      sync.RWMutex
	data    *orderedMap
	applied uint64
}

func New() *Store {
	return &Store{data: newOrderedMap()}
}

// Apply applies entries in index order. Entries at or below the applied index are skipped,
// a gap in indexes is an invariant violation and aborts the batch.
func (s *Store) Apply(entries []Entry) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []Result
	for _, e := range entries {
		if e.Index <= s.applied {
			continue
		}
		if e.Index != s.applied+1 {
			return results, fmt.Errorf("apply out of order: applied=%d next=%d", s.applied, e.Index)
		}
		s.applied = e.Index

		if len(e.Data) == 0 {
			continue
		}
		results = append(results, s.applyCommand(e))
	}
	return results, nil
}

func (s *Store) applyCommand(e Entry) Result {
	cmd, err := DecodeCommand(e.Data)
	if err != nil {
		return Result{Index: e.Index, Err: err}
	}
	res := Result{Index: e.Index, ID: cmd.ID}
	if err := cmd.Validate(); err != nil {
		res.Err = err
		return res
	}

	switch cmd.Op {
	case InsertOp:
		s.data.Store(cmd.Key, cmd.Value)
	case DeleteOp:
		s.data.Delete(cmd.Key)
	}
	return res
}

// View runs fn with shared access to a consistent view.
func (s *Store) View(fn func(r Reader)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(view{s})
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Load(key)
}

func (s *Store) AppliedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

type pair struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

type snapshotData struct {
	AppliedIndex uint64 `json:"applied_index"`
	Pairs        []pair `json:"pairs"`
}

// Snapshot serializes the whole state. Keys are emitted in order, so equal states give equal bytes.
func (s *Store) Snapshot() ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshotData{
		AppliedIndex: s.applied,
		Pairs:        make([]pair, 0, s.data.Len()),
	}
	s.data.Range(func(k, v string) bool {
		snap.Pairs = append(snap.Pairs, pair{Key: k, Value: v})
		return true
	})

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, s.applied, nil
}

// DecodedSnapshot is a snapshot payload that is parsed but not installed yet.
type DecodedSnapshot struct {
	applied uint64
	data    *orderedMap
}

func (d *DecodedSnapshot) AppliedIndex() uint64 { return d.applied }

// DecodeSnapshot parses a serialized snapshot without touching any store.
func DecodeSnapshot(data []byte) (*DecodedSnapshot, error) {
	var snap snapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	m := newOrderedMap()
	for _, p := range snap.Pairs {
		m.Store(p.Key, p.Value)
	}
	return &DecodedSnapshot{applied: snap.AppliedIndex, data: m}, nil
}

// Install replaces the state with a decoded snapshot.
func (s *Store) Install(d *DecodedSnapshot) {
	s.mu.Lock()
	s.data = d.data
	s.applied = d.applied
	s.mu.Unlock()
}

// Restore replaces the state with a serialized snapshot and returns its applied index.
func (s *Store) Restore(data []byte) (uint64, error) {
	d, err := DecodeSnapshot(data)
	if err != nil {
		return 0, err
	}
	s.Install(d)
	return d.applied, nil
}

type view struct {
	s *Store
}

func (v view) Get(key string) (string, bool) { return v.s.data.Load(key) }
func (v view) Len() int                      { return v.s.data.Len() }
func (v view) AppliedIndex() uint64          { return v.s.applied }

func (v view) Range(fn func(key, value string) bool) {
	v.s.data.Range(fn)
}
