package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-yaml"
)

const EnvNodeID = "RAFTKV_NODE_ID"

// Load читает YAML поверх Default(). Если файла нет — возвращается Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("config file not found, using default config", "path", path)
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if env := os.Getenv(EnvNodeID); env != "" {
		id, err := strconv.ParseUint(env, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s=%q: %w", EnvNodeID, env, err)
		}
		cfg.applyNodeID(id)
	}

	return cfg, cfg.Validate()
}

// applyNodeID switches the config to another member: data_dir becomes a sibling
// node<id> directory and the listen port is taken from the member's address.
func (c *Config) applyNodeID(id uint64) {
	if id == c.Node.ID {
		return
	}
	c.Node.ID = id
	c.Node.DataDir = filepath.Join(filepath.Dir(c.Node.DataDir), fmt.Sprintf("node%d", id))

	for _, p := range c.Cluster.Peers {
		if p.ID != id {
			continue
		}
		u, err := url.Parse(p.Address)
		if err != nil || u.Port() == "" {
			slog.Warn("cannot derive listen address from peer", "id", id, "address", p.Address)
			return
		}
		c.Server.Listen = net.JoinHostPort("", u.Port())
		return
	}
}
