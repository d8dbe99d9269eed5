package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"raftkv/internal/service"
	"raftkv/pkg/client"
	"raftkv/pkg/config"
	"raftkv/pkg/metrics"
	"raftkv/pkg/raftadapter"
	"raftkv/pkg/storage"
	"raftkv/pkg/transport"
)

// startHTTPCluster runs size nodes, each behind its own httptest server, talking raft over HTTP.
func startHTTPCluster(t *testing.T, size int) (*config.Topology, map[uint64]*raftadapter.Node) {
	t.Helper()

	servers := make(map[uint64]*httptest.Server)
	var peers []config.RaftPeerConfig
	for i := 1; i <= size; i++ {
		id := uint64(i)
		srv := httptest.NewUnstartedServer(http.NotFoundHandler())
		servers[id] = srv
		peers = append(peers, config.RaftPeerConfig{ID: id, Address: "http://" + srv.Listener.Addr().String()})
	}
	topo, err := config.NewTopology(peers)
	if err != nil {
		t.Fatalf("NewTopology failed: %v", err)
	}

	cfg := config.Default()
	cfg.Cluster.Peers = peers
	cfg.Raft.TickInterval = config.Duration(20 * time.Millisecond)
	cfg.Transport.Timeout = config.Duration(500 * time.Millisecond)
	cfg.Transport.ReplyTimeout = config.Duration(300 * time.Millisecond)

	nodes := make(map[uint64]*raftadapter.Node)
	for _, id := range topo.Members() {
		st, err := storage.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		nodeCfg := cfg
		nodeCfg.Node.ID = id

		prom := metrics.NewPrometheus()
		n, err := raftadapter.NewNode(&nodeCfg, topo, st,
			transport.NewHTTPNetwork(topo, cfg.Transport.Timeout.Std()),
			metrics.RaftObserver(prom))
		if err != nil {
			t.Fatalf("NewNode failed: %v", err)
		}

		s := NewServer(service.New(n, 2*time.Second), n, Options{Topology: topo, Peer: n, Metrics: prom})
		srv := servers[id]
		srv.Config.Handler = s.Router()
		srv.Start()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = n.Run(ctx)
		}()
		t.Cleanup(func() {
			srv.Close()
			cancel()
			<-done
			_ = n.Stop()
			_ = st.Close()
		})
		nodes[id] = n
	}
	return topo, nodes
}

func TestRemoteAPI(t *testing.T) {
	topo, nodes := startHTTPCluster(t, 3)
	c := client.New(topo, client.Options{MaxAttempts: 40, Backoff: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("PUT operation", func(t *testing.T) {
		if err := c.Put(ctx, "remote_test_key", "remote_test_value"); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	})

	t.Run("GET operation", func(t *testing.T) {
		v, ok, err := c.Get(ctx, "remote_test_key")
		if err != nil || !ok || v != "remote_test_value" {
			t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
		}
	})

	t.Run("Leader hint", func(t *testing.T) {
		leader := nodes[c.Leader()]
		if leader == nil || !leader.IsLeader() {
			t.Fatalf("client settled on %d which is not the leader", c.Leader())
		}
	})

	t.Run("Follower redirects", func(t *testing.T) {
		for id, n := range nodes {
			if n.IsLeader() {
				continue
			}
			addr, _ := topo.Addr(id)
			resp, err := http.Get(addr + kvPath + "?key=remote_test_key")
			if err != nil {
				t.Fatalf("GET on follower %d: %v", id, err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusMisdirectedRequest {
				t.Fatalf("follower %d: expected 421, got %d", id, resp.StatusCode)
			}
		}
	})

	t.Run("DELETE operation", func(t *testing.T) {
		if err := c.Delete(ctx, "remote_test_key"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, ok, err := c.Get(ctx, "remote_test_key"); err != nil || ok {
			t.Fatalf("expected key to be gone, ok=%v err=%v", ok, err)
		}
	})
}
