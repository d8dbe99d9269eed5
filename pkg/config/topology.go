package config

import (
	"fmt"
	"slices"
)

// Topology is the static cluster membership together with its routing table.
// It is built once at startup and never mutated; share it by pointer.
type Topology struct {
	ids   []uint64
	addrs map[uint64]string
}

func NewTopology(peers []RaftPeerConfig) (*Topology, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("cluster.peers is empty")
	}

	t := &Topology{
		ids:   make([]uint64, 0, len(peers)),
		addrs: make(map[uint64]string, len(peers)),
	}
	for _, p := range peers {
		if p.ID == 0 {
			return nil, fmt.Errorf("peer id must be non-zero")
		}
		if p.Address == "" {
			return nil, fmt.Errorf("peer %d has no address", p.ID)
		}
		if _, ok := t.addrs[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		t.ids = append(t.ids, p.ID)
		t.addrs[p.ID] = p.Address
	}
	slices.Sort(t.ids)

	return t, nil
}

// Members returns the sorted member ids. The slice is a copy.
func (t *Topology) Members() []uint64 {
	return slices.Clone(t.ids)
}

func (t *Topology) Contains(id uint64) bool {
	_, ok := t.addrs[id]
	return ok
}

// Addr resolves a member id to its network address.
func (t *Topology) Addr(id uint64) (string, bool) {
	addr, ok := t.addrs[id]
	return addr, ok
}

func (t *Topology) Len() int {
	return len(t.ids)
}
