package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raftkv.yaml")
	data := `
node:
  id: 2
  data_dir: /tmp/raftkv/2
cluster:
  peers:
    - id: 1
      address: http://10.0.0.1:8080
    - id: 2
      address: http://10.0.0.2:8080
    - id: 3
      address: http://10.0.0.3:8080
raft:
  tick_interval: 50ms
  election_tick: 20
  heartbeat_tick: 2
  snapshot_count: 500
transport:
  timeout: 2s
  reply_timeout: 300ms
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != 2 || cfg.Node.DataDir != "/tmp/raftkv/2" {
		t.Fatalf("unexpected node config: %+v", cfg.Node)
	}
	if len(cfg.Cluster.Peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(cfg.Cluster.Peers))
	}
	if cfg.Raft.TickInterval.Std() != 50*time.Millisecond {
		t.Fatalf("unexpected tick interval: %v", cfg.Raft.TickInterval.Std())
	}
	if cfg.Transport.ReplyTimeout.Std() != 300*time.Millisecond {
		t.Fatalf("unexpected reply timeout: %v", cfg.Transport.ReplyTimeout.Std())
	}
	// values absent from the file keep their defaults
	if !cfg.Raft.CheckQuorum || !cfg.Raft.PreVote {
		t.Fatalf("expected defaults for check_quorum/pre_vote to survive")
	}
}

func TestLoad_MissingFileUsesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != Default().Node.ID {
		t.Fatalf("expected default node id, got %d", cfg.Node.ID)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv(EnvNodeID, "7")
	path := filepath.Join(t.TempDir(), "raftkv.yaml")
	data := `
cluster:
  peers:
    - id: 7
      address: http://127.0.0.1:9007
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != 7 {
		t.Fatalf("expected node id from env, got %d", cfg.Node.ID)
	}
	if cfg.Server.Listen != ":9007" {
		t.Fatalf("expected listen derived from peer address, got %q", cfg.Server.Listen)
	}
	if want := filepath.Join("data", "node7"); cfg.Node.DataDir != want {
		t.Fatalf("expected data dir %q, got %q", want, cfg.Node.DataDir)
	}
}

func TestLoad_EnvOverrideSharedFile(t *testing.T) {
	t.Setenv(EnvNodeID, "2")
	cfg, err := Load(filepath.Join("..", "..", "config", "raftkv.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != 2 || cfg.Server.Listen != ":8082" {
		t.Fatalf("node 2 must listen on its own port, got id=%d listen=%q", cfg.Node.ID, cfg.Server.Listen)
	}
	if want := filepath.Join("data", "node2"); cfg.Node.DataDir != want {
		t.Fatalf("node 2 must not share node 1's data dir, got %q", cfg.Node.DataDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero node id", func(c *Config) { c.Node.ID = 0 }},
		{"not a member", func(c *Config) { c.Node.ID = 42 }},
		{"election tick too small", func(c *Config) { c.Raft.ElectionTick = c.Raft.HeartbeatTick }},
		{"duplicate peer", func(c *Config) {
			c.Cluster.Peers = append(c.Cluster.Peers, RaftPeerConfig{ID: 1, Address: "http://x"})
		}},
		{"peer without address", func(c *Config) {
			c.Cluster.Peers = append(c.Cluster.Peers, RaftPeerConfig{ID: 2})
		}},
		{"no peers", func(c *Config) { c.Cluster.Peers = nil }},
		{"unknown snapshot codec", func(c *Config) { c.Raft.SnapshotCompression = "lz4" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestTopology(t *testing.T) {
	topo, err := NewTopology([]RaftPeerConfig{
		{ID: 3, Address: "c"},
		{ID: 1, Address: "a"},
		{ID: 2, Address: "b"},
	})
	if err != nil {
		t.Fatalf("NewTopology failed: %v", err)
	}

	members := topo.Members()
	if len(members) != 3 || members[0] != 1 || members[2] != 3 {
		t.Fatalf("expected sorted members, got %v", members)
	}
	members[0] = 99
	if topo.Members()[0] != 1 {
		t.Fatalf("Members must return a copy")
	}
	if addr, ok := topo.Addr(2); !ok || addr != "b" {
		t.Fatalf("unexpected addr for 2: %q ok=%v", addr, ok)
	}
	if _, ok := topo.Addr(4); ok {
		t.Fatalf("unexpected addr for unknown peer")
	}
}
