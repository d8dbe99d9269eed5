package raftadapter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"raftkv/pkg/config"
	"raftkv/pkg/storage"
	"raftkv/pkg/store"
	"raftkv/pkg/transport"
)

// testCluster runs real nodes with on-disk storage over the in-process network.
type testCluster struct {
	t        *testing.T
	cfg      config.Config
	topology *config.Topology
	net      *transport.Inproc
	dirs     map[uint64]string

	mu      sync.Mutex
	nodes   map[uint64]*Node
	stores  map[uint64]*storage.Storage
	cancels map[uint64]func()
	events  map[uint64]*eventLog
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Raft.TickInterval = config.Duration(10 * time.Millisecond)
	cfg.Raft.ElectionTick = 10
	cfg.Raft.HeartbeatTick = 1
	cfg.Transport.ReplyTimeout = config.Duration(200 * time.Millisecond)
	return cfg
}

func newTestCluster(t *testing.T, size int, tune ...func(*config.Config)) *testCluster {
	t.Helper()

	cfg := testConfig()
	cfg.Cluster.Peers = nil
	for i := 1; i <= size; i++ {
		cfg.Cluster.Peers = append(cfg.Cluster.Peers, config.RaftPeerConfig{
			ID:      uint64(i),
			Address: fmt.Sprintf("inproc://node%d", i),
		})
	}
	for _, fn := range tune {
		fn(&cfg)
	}

	topo, err := config.NewTopology(cfg.Cluster.Peers)
	if err != nil {
		t.Fatalf("NewTopology failed: %v", err)
	}

	c := &testCluster{
		t:        t,
		cfg:      cfg,
		topology: topo,
		net:      transport.NewInproc(),
		dirs:     make(map[uint64]string),
		nodes:    make(map[uint64]*Node),
		stores:   make(map[uint64]*storage.Storage),
		cancels:  make(map[uint64]func()),
		events:   make(map[uint64]*eventLog),
	}
	for _, id := range topo.Members() {
		c.dirs[id] = t.TempDir()
		c.start(id)
	}
	t.Cleanup(c.shutdown)
	return c
}

func (c *testCluster) start(id uint64) *Node {
	c.t.Helper()

	st, err := storage.Open(c.dirs[id])
	if err != nil {
		c.t.Fatalf("node %d: open storage: %v", id, err)
	}

	cfg := c.cfg
	cfg.Node.ID = id
	events := &eventLog{}
	n, err := NewNode(&cfg, c.topology, st, c.net.Endpoint(id), events)
	if err != nil {
		c.t.Fatalf("node %d: NewNode failed: %v", id, err)
	}
	c.net.Register(id, n)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()

	c.mu.Lock()
	c.nodes[id] = n
	c.stores[id] = st
	c.events[id] = events
	c.cancels[id] = func() {
		cancel()
		<-done
		_ = n.Stop()
		_ = st.Close()
	}
	c.mu.Unlock()
	return n
}

func (c *testCluster) stop(id uint64) {
	c.mu.Lock()
	stop, ok := c.cancels[id]
	delete(c.cancels, id)
	delete(c.nodes, id)
	delete(c.stores, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.net.Unregister(id)
	stop()
}

func (c *testCluster) shutdown() {
	for _, id := range c.topology.Members() {
		c.stop(id)
	}
}

func (c *testCluster) node(id uint64) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

func (c *testCluster) running(except ...uint64) []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Node
outer:
	for _, id := range c.topology.Members() {
		for _, ex := range except {
			if id == ex {
				continue outer
			}
		}
		if n, ok := c.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// waitForLeader waits until one of nodes leads and all of them agree on it.
func waitForLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leader *Node
		agreed := true
		for _, n := range nodes {
			if n.IsLeader() {
				leader = n
			}
		}
		if leader != nil {
			for _, n := range nodes {
				if n.LeaderID() != leader.ID {
					agreed = false
					break
				}
			}
			if agreed {
				return leader
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no leader elected within %s", timeout)
	return nil
}

func execute(t *testing.T, n *Node, cmd store.Command) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return n.Execute(ctx, cmd)
}

func localValue(n *Node, key string) (string, bool) {
	var (
		v  string
		ok bool
	)
	n.View(func(r store.Reader) {
		v, ok = r.Get(key)
	})
	return v, ok
}

// eventually polls cond until it holds or timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
