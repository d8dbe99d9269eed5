package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"raftkv/pkg/raftadapter"

	"github.com/go-zookeeper/zk"
)

// zkConn is the part of *zk.Conn the announcer needs.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Children(path string) ([]string, *zk.Stat, error)
	State() zk.State
	Close()
}

// NodeInfo is what a node publishes about itself.
type NodeInfo struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr"`
	Term uint64 `json:"term,omitempty"`
}

// ZKAnnouncer publishes the live nodes and the current leader in ZooKeeper:
// <root>/nodes/<id> and <root>/leader, both ephemeral.
type ZKAnnouncer struct {
	conn     zkConn
	rootPath string
	local    NodeInfo

	mu sync.Mutex
}

var _ raftadapter.Observer = (*ZKAnnouncer)(nil)

// servers: ["zk1:2181", "zk2:2181"]
func NewZKAnnouncer(servers []string, rootPath string, sessionTimeout time.Duration, id uint64, addr string) (*ZKAnnouncer, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newAnnouncer(conn, rootPath, id, addr), nil
}

func newAnnouncer(conn zkConn, rootPath string, id uint64, addr string) *ZKAnnouncer {
	return &ZKAnnouncer{
		conn:     conn,
		rootPath: path.Clean("/" + rootPath),
		local:    NodeInfo{ID: id, Addr: addr},
	}
}

func (m *ZKAnnouncer) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKAnnouncer) nodesPath() string  { return m.rootPath + "/nodes" }
func (m *ZKAnnouncer) leaderPath() string { return m.rootPath + "/leader" }

func (m *ZKAnnouncer) ensurePath(p string) error {
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущей ноды
func (m *ZKAnnouncer) RegisterSelf(timeout time.Duration) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(timeout); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	data, err := json.Marshal(m.local)
	if err != nil {
		return fmt.Errorf("marshal node info: %w", err)
	}
	nodePath := fmt.Sprintf("%s/%d", m.nodesPath(), m.local.ID)

	_, err = m.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		// осталась от прошлой сессии, пока та не истекла
		_, err = m.conn.Set(nodePath, data, -1)
	}
	if err != nil {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("zk: registered node", "path", nodePath)
	return nil
}

// Observe keeps <root>/leader in sync with leadership changes of the local node.
func (m *ZKAnnouncer) Observe(e raftadapter.Event) {
	if e.Kind != raftadapter.LeaderChanged {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if e.LeaderID == m.local.ID {
		err = m.claimLeader(e.Term)
	} else {
		err = m.releaseLeader()
	}
	if err != nil {
		slog.Warn("zk: failed to update leader node", "leader_id", e.LeaderID, "error", err)
	}
}

func (m *ZKAnnouncer) claimLeader(term uint64) error {
	if err := m.ensurePath(m.rootPath); err != nil {
		return err
	}
	info := m.local
	info.Term = term
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}

	_, err = m.conn.Create(m.leaderPath(), data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if !errors.Is(err, zk.ErrNodeExists) {
		return err
	}
	// узел старого лидера ещё жив до конца его сессии: перезаписываем
	_, err = m.conn.Set(m.leaderPath(), data, -1)
	return err
}

// releaseLeader removes <root>/leader only if the local node owns it.
func (m *ZKAnnouncer) releaseLeader() error {
	data, stat, err := m.conn.Get(m.leaderPath())
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	var cur NodeInfo
	if err := json.Unmarshal(data, &cur); err != nil || cur.ID != m.local.ID {
		return nil
	}
	err = m.conn.Delete(m.leaderPath(), stat.Version)
	if errors.Is(err, zk.ErrNoNode) || errors.Is(err, zk.ErrBadVersion) {
		return nil
	}
	return err
}

// Leader reads the announced leader. ok is false when nobody is announced.
func (m *ZKAnnouncer) Leader() (NodeInfo, bool, error) {
	data, _, err := m.conn.Get(m.leaderPath())
	if errors.Is(err, zk.ErrNoNode) {
		return NodeInfo{}, false, nil
	}
	if err != nil {
		return NodeInfo{}, false, fmt.Errorf("zk get leader: %w", err)
	}
	var info NodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return NodeInfo{}, false, fmt.Errorf("decode leader node: %w", err)
	}
	return info, true, nil
}

// Nodes читает список живых нод
func (m *ZKAnnouncer) Nodes() ([]uint64, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if errors.Is(err, zk.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}

	ids := make([]uint64, 0, len(children))
	for _, c := range children {
		id, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *ZKAnnouncer) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
