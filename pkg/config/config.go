package config

import (
	"fmt"
	"time"

	"raftkv/pkg/compression"
)

// Config - корневая структура конфигурации ноды
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Raft      RaftConfig      `yaml:"raft"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"http-server"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type NodeConfig struct {
	ID      uint64 `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// ClusterConfig is the static membership with the routing table.
type ClusterConfig struct {
	Peers []RaftPeerConfig `yaml:"peers"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	TickInterval              Duration `yaml:"tick_interval"`
	ElectionTick              int      `yaml:"election_tick"`
	HeartbeatTick             int      `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64   `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64   `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64   `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int      `yaml:"max_inflight_msgs"`
	CheckQuorum               bool     `yaml:"check_quorum"`
	PreVote                   bool     `yaml:"pre_vote"`
	// SnapshotCount is the number of applied entries between two snapshots, 0 disables snapshotting.
	SnapshotCount uint64 `yaml:"snapshot_count"`
	// SnapshotCompression is the codec of snapshot files: zstd, gzip or none.
	SnapshotCompression string `yaml:"snapshot_compression"`
}

type TransportConfig struct {
	// Timeout bounds a single outbound RPC.
	Timeout Duration `yaml:"timeout"`
	// ReplyTimeout bounds how long an inbound RPC waits for the engine to answer.
	ReplyTimeout Duration `yaml:"reply_timeout"`
}

type ServerConfig struct {
	Listen            string   `yaml:"listen"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	RequestTimeout    Duration `yaml:"request_timeout"`
}

type ZookeeperConfig struct {
	Servers        []string `yaml:"servers"`
	Root           string   `yaml:"root"`
	SessionTimeout Duration `yaml:"session_timeout"`
}

// Duration is a time.Duration read from strings like "150ms".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Node: NodeConfig{
			ID:      1,
			DataDir: "./data/node1",
		},
		Cluster: ClusterConfig{
			Peers: []RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
		},
		Raft: RaftConfig{
			TickInterval:              Duration(100 * time.Millisecond),
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			SnapshotCount:             10000,
			SnapshotCompression:       "zstd",
		},
		Transport: TransportConfig{
			Timeout:      Duration(time.Second),
			ReplyTimeout: Duration(500 * time.Millisecond),
		},
		Server: ServerConfig{
			Listen:            ":8080",
			ReadHeaderTimeout: Duration(time.Second),
			RequestTimeout:    Duration(5 * time.Second),
		},
		Zookeeper: ZookeeperConfig{
			Root:           "/raftkv",
			SessionTimeout: Duration(5 * time.Second),
		},
	}
}

// Validate checks the parts of the config the node cannot start without.
func (c *Config) Validate() error {
	if c.Node.ID == 0 {
		return fmt.Errorf("node.id must be non-zero")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Raft.TickInterval <= 0 {
		return fmt.Errorf("raft.tick_interval must be positive")
	}
	if c.Raft.HeartbeatTick <= 0 || c.Raft.ElectionTick <= c.Raft.HeartbeatTick {
		return fmt.Errorf("raft.election_tick (%d) must be greater than raft.heartbeat_tick (%d) > 0",
			c.Raft.ElectionTick, c.Raft.HeartbeatTick)
	}
	if _, err := compression.ParseCodec(c.Raft.SnapshotCompression); err != nil {
		return fmt.Errorf("raft.snapshot_compression: %w", err)
	}
	if c.Transport.Timeout <= 0 || c.Transport.ReplyTimeout <= 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}

	topo, err := NewTopology(c.Cluster.Peers)
	if err != nil {
		return err
	}
	if !topo.Contains(c.Node.ID) {
		return fmt.Errorf("node.id %d is not a cluster member", c.Node.ID)
	}
	return nil
}
