package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"raftkv/pkg/config"
	"raftkv/pkg/dberrors"
	"raftkv/pkg/store"
	"raftkv/pkg/transport"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type iStorage interface {
	raft.Storage

	IsEmpty() bool
	Save(hs raftpb.HardState, entries []raftpb.Entry, sync bool) error
	ApplyToStateMachine(entries []raftpb.Entry) ([]store.Result, error)
	CreateSnapshot() (raftpb.Snapshot, error)
	InstallSnapshot(snap raftpb.Snapshot) error
	ReadStateMachine(fn func(r store.Reader))
	AppliedIndex() uint64
	SnapshotIndex() uint64
}

const outboxSize = 256

// Node drives an etcd raft node: it persists what the engine asks for, ships
// messages over the Network, applies committed commands and answers RPCs from peers.
type Node struct {
	ID uint64

	underlying    raft.Node
	storage       iStorage
	network       transport.Network
	topology      *config.Topology
	tickInterval  time.Duration
	replyTimeout  time.Duration
	snapshotCount uint64

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	outbox map[uint64]chan raftpb.Message

	// входящие RPC: один запрос на пира за раз, ответ ловим в Ready
	peerLocks map[uint64]*sync.Mutex
	waitersMu sync.Mutex
	waiters   map[uint64]*waiter

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult

	readsMu sync.Mutex
	reads   map[string]chan uint64

	appliedMu sync.Mutex
	appliedCh chan struct{}

	lead   atomic.Uint64
	term   uint64 // owned by the Run goroutine
	events *emitter
}

// NewNode starts (or restarts, when storage is not empty) the raft node.
// Call Run to drive it.
func NewNode(cfg *config.Config, topology *config.Topology, st iStorage, network transport.Network, observers ...Observer) (*Node, error) {
	id := cfg.Node.ID
	if !topology.Contains(id) {
		return nil, fmt.Errorf("node %d is not a cluster member", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		ID:            id,
		storage:       st,
		network:       network,
		topology:      topology,
		tickInterval:  cfg.Raft.TickInterval.Std(),
		replyTimeout:  cfg.Transport.ReplyTimeout.Std(),
		snapshotCount: cfg.Raft.SnapshotCount,
		ctx:           ctx,
		stop:          cancel,
		outbox:        make(map[uint64]chan raftpb.Message),
		peerLocks:     make(map[uint64]*sync.Mutex),
		waiters:       make(map[uint64]*waiter),
		proposals:     make(map[uuid.UUID]chan proposeResult),
		reads:         make(map[string]chan uint64),
		appliedCh:     make(chan struct{}),
		events:        newEmitter(id, observers),
	}

	rc := toRaftConfig(id, cfg.Raft, st, st.AppliedIndex(), slog.Default())
	if st.IsEmpty() {
		peers := make([]raft.Peer, 0, topology.Len())
		for _, pid := range topology.Members() {
			addr, _ := topology.Addr(pid)
			peers = append(peers, raft.Peer{ID: pid, Context: []byte(addr)})
		}
		slog.Info("bootstrapping raft node", "id", id, "members", topology.Members())
		n.underlying = raft.StartNode(rc, peers)
	} else {
		slog.Info("restarting raft node", "id", id, "applied", st.AppliedIndex())
		n.underlying = raft.RestartNode(rc)
	}

	for _, pid := range topology.Members() {
		n.peerLocks[pid] = &sync.Mutex{}
		if pid == id {
			continue
		}
		ch := make(chan raftpb.Message, outboxSize)
		n.outbox[pid] = ch
		n.wg.Add(1)
		go n.runPeer(pid, ch)
	}
	n.events.start(ctx)

	return n, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				slog.Error("critical: raft node halted", "id", n.ID, "error", err)
				_ = n.Stop()
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		n.term = rd.HardState.Term
	}
	if rd.SoftState != nil {
		n.updateLeader(rd.SoftState.Lead, n.term)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.storage.InstallSnapshot(rd.Snapshot); err != nil {
			return persistenceErr("install snapshot", err)
		}
		n.notifyApplied()
		n.events.emit(Event{Kind: SnapshotInstalled, Index: rd.Snapshot.Metadata.Index, Term: rd.Snapshot.Metadata.Term})
	}

	// hard state и записи на диске до отправки сообщений этого Ready
	if err := n.storage.Save(rd.HardState, rd.Entries, rd.MustSync); err != nil {
		return persistenceErr("save ready", err)
	}

	n.sendMessages(rd.Messages)

	if err := n.applyCommitted(rd.CommittedEntries); err != nil {
		return err
	}

	for _, rs := range rd.ReadStates {
		n.resolveRead(string(rs.RequestCtx), rs.Index)
	}

	if err := n.maybeSnapshot(); err != nil {
		return err
	}

	n.underlying.Advance()
	return nil
}

func persistenceErr(op string, err error) error {
	if errors.Is(err, dberrors.ErrPersistence) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", dberrors.ErrPersistence, op, err)
}

func (n *Node) updateLeader(lead, term uint64) {
	if old := n.lead.Swap(lead); old != lead {
		n.events.emit(Event{Kind: LeaderChanged, LeaderID: lead, Term: term})
	}
}

func (n *Node) applyCommitted(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	results, err := n.storage.ApplyToStateMachine(entries)
	if err != nil {
		return persistenceErr("apply committed entries", err)
	}

	for _, e := range entries {
		if e.Type != raftpb.EntryConfChange {
			continue
		}
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(e.Data); err != nil {
			return persistenceErr("unmarshal conf change", err)
		}
		n.underlying.ApplyConfChange(cc)
	}

	for _, r := range results {
		n.notifyProposalResult(r.ID, proposeResult{Err: r.Err})
	}
	n.notifyApplied()

	last := entries[len(entries)-1].Index
	n.events.emit(Event{Kind: EntriesApplied, Index: last, Count: len(entries)})
	return nil
}

func (n *Node) maybeSnapshot() error {
	if n.snapshotCount == 0 {
		return nil
	}
	applied := n.storage.AppliedIndex()
	if applied-n.storage.SnapshotIndex() < n.snapshotCount {
		return nil
	}

	snap, err := n.storage.CreateSnapshot()
	switch {
	case errors.Is(err, dberrors.ErrPersistence):
		return fmt.Errorf("create snapshot: %w", err)
	case err != nil:
		slog.Warn("failed to create snapshot", "id", n.ID, "applied", applied, "error", err)
		return nil
	}
	n.events.emit(Event{Kind: SnapshotCreated, Index: snap.Metadata.Index, Term: snap.Metadata.Term})
	return nil
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		if isResponse(msg.Type) {
			n.deliverResponse(msg)
			continue
		}

		switch msg.Type {
		case raftpb.MsgApp, raftpb.MsgHeartbeat, raftpb.MsgVote, raftpb.MsgPreVote, raftpb.MsgSnap:
		default:
			slog.Debug("dropping unsupported raft message", "type", msg.Type, "to", msg.To)
			continue
		}

		ch, ok := n.outbox[msg.To]
		if !ok {
			slog.Error("raft message to unknown peer", "to", msg.To, "type", msg.Type)
			continue
		}
		select {
		case ch <- msg:
		default:
			slog.Warn("peer outbox full, dropping raft message", "to", msg.To, "type", msg.Type)
			n.reportFailure(msg, fmt.Errorf("%w: outbox full", dberrors.ErrTransport))
		}
	}
}

// runPeer sends messages to one peer in order, one call at a time.
func (n *Node) runPeer(peer uint64, ch <-chan raftpb.Message) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-ch:
			n.send(msg)
		}
	}
}

func (n *Node) send(m raftpb.Message) {
	var (
		resp raftpb.Message
		err  error
	)
	switch m.Type {
	case raftpb.MsgApp, raftpb.MsgHeartbeat:
		var reply *transport.AppendEntriesReply
		if reply, err = n.network.SendAppendEntries(n.ctx, m.To, appendRequest(m)); err == nil {
			resp = appendResponse(m, reply)
		}
	case raftpb.MsgVote, raftpb.MsgPreVote:
		var reply *transport.VoteReply
		if reply, err = n.network.SendVoteRequest(n.ctx, m.To, voteRequest(m)); err == nil {
			resp = voteResponse(m, reply)
		}
	case raftpb.MsgSnap:
		var reply *transport.InstallSnapshotReply
		if reply, err = n.network.SendInstallSnapshot(n.ctx, m.To, snapshotRequest(m)); err == nil {
			resp = snapshotResponse(m, reply)
		}
	}

	if err != nil {
		if n.ctx.Err() != nil {
			return
		}
		n.reportFailure(m, err)
		return
	}

	if m.Type == raftpb.MsgSnap {
		n.underlying.ReportSnapshot(m.To, raft.SnapshotFinish)
	}
	if err := n.underlying.Step(n.ctx, resp); err != nil && !errors.Is(err, raft.ErrStopped) {
		slog.Error("failed to step raft response",
			"from", resp.From,
			"type", resp.Type,
			"error", err)
	}
}

func (n *Node) reportFailure(m raftpb.Message, err error) {
	slog.Debug("failed to send raft message",
		"from", m.From,
		"to", m.To,
		"type", m.Type,
		"error", err)

	n.underlying.ReportUnreachable(m.To)
	if m.Type == raftpb.MsgSnap {
		n.underlying.ReportSnapshot(m.To, raft.SnapshotFailure)
	}
	n.events.emit(Event{Kind: PeerUnreachable, Peer: m.To, RPC: rpcKind(m.Type).String(), Err: err})
}

func rpcKind(t raftpb.MessageType) transport.Kind {
	switch t {
	case raftpb.MsgApp, raftpb.MsgHeartbeat, raftpb.MsgAppResp, raftpb.MsgHeartbeatResp:
		return transport.KindAppendEntries
	case raftpb.MsgVote, raftpb.MsgPreVote, raftpb.MsgVoteResp, raftpb.MsgPreVoteResp:
		return transport.KindRequestVote
	case raftpb.MsgSnap:
		return transport.KindInstallSnapshot
	}
	return transport.KindAny
}

type proposeResult struct {
	Err error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// follower применяет запись или Execute уже вышел по таймауту
		return
	}

	// не блокируем apply, если вдруг слушатель уже ушёл
	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
}

// Execute proposes cmd and waits until it is applied. A follower returns
// *dberrors.NotLeaderError; the write is never forwarded.
func (n *Node) Execute(ctx context.Context, cmd store.Command) error {
	if n.ctx.Err() != nil {
		return dberrors.ErrStopped
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	if !n.IsLeader() {
		return &dberrors.NotLeaderError{LeaderID: n.LeaderID()}
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return n.engineErr("propose", err)
	}

	select {
	case result := <-resultChan:
		return result.Err
	case <-ctx.Done():
		return n.waitErr("write", ctx.Err())
	case <-n.ctx.Done():
		return dberrors.ErrStopped
	}
}

// LinearizableRead confirms leadership with a quorum (ReadIndex) and waits until the
// state machine has applied up to the confirmed commit index.
func (n *Node) LinearizableRead(ctx context.Context) (uint64, error) {
	if n.ctx.Err() != nil {
		return 0, dberrors.ErrStopped
	}
	if !n.IsLeader() {
		return 0, &dberrors.NotLeaderError{LeaderID: n.LeaderID()}
	}

	reqCtx := uuid.NewString()
	ch := make(chan uint64, 1)

	n.readsMu.Lock()
	n.reads[reqCtx] = ch
	n.readsMu.Unlock()

	defer func() {
		n.readsMu.Lock()
		delete(n.reads, reqCtx)
		n.readsMu.Unlock()
	}()

	if err := n.underlying.ReadIndex(ctx, []byte(reqCtx)); err != nil {
		return 0, n.engineErr("read index", err)
	}

	var index uint64
	select {
	case index = <-ch:
	case <-ctx.Done():
		return 0, n.waitErr("read", ctx.Err())
	case <-n.ctx.Done():
		return 0, dberrors.ErrStopped
	}

	for {
		applied := n.appliedWait()
		if n.storage.AppliedIndex() >= index {
			return index, nil
		}
		select {
		case <-applied:
		case <-ctx.Done():
			return 0, n.waitErr("read", ctx.Err())
		case <-n.ctx.Done():
			return 0, dberrors.ErrStopped
		}
	}
}

func (n *Node) resolveRead(reqCtx string, index uint64) {
	n.readsMu.Lock()
	ch, ok := n.reads[reqCtx]
	n.readsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- index:
	default:
	}
}

// appliedWait returns a channel closed on the next apply.
func (n *Node) appliedWait() <-chan struct{} {
	n.appliedMu.Lock()
	defer n.appliedMu.Unlock()
	return n.appliedCh
}

func (n *Node) notifyApplied() {
	n.appliedMu.Lock()
	close(n.appliedCh)
	n.appliedCh = make(chan struct{})
	n.appliedMu.Unlock()
}

func (n *Node) engineErr(op string, err error) error {
	switch {
	case errors.Is(err, raft.ErrProposalDropped):
		return &dberrors.NotLeaderError{LeaderID: n.LeaderID()}
	case errors.Is(err, raft.ErrStopped):
		return dberrors.ErrStopped
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return n.waitErr(op, err)
	}
	return fmt.Errorf("%w: %s: %v", dberrors.ErrRetryLater, op, err)
}

// waitErr maps a timed out wait: a node that lost leadership meanwhile redirects.
func (n *Node) waitErr(op string, err error) error {
	if n.ctx.Err() != nil {
		return dberrors.ErrStopped
	}
	if !n.IsLeader() {
		return &dberrors.NotLeaderError{LeaderID: n.LeaderID()}
	}
	return fmt.Errorf("%w: %s: %v", dberrors.ErrRetryLater, op, err)
}

// View runs fn against a consistent view of the local state machine.
func (n *Node) View(fn func(r store.Reader)) {
	n.storage.ReadStateMachine(fn)
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

// LeaderAddr returns the known leader's address, empty if the leader is unknown.
func (n *Node) LeaderAddr() string {
	addr, _ := n.topology.Addr(n.LeaderID())
	return addr
}

func (n *Node) Topology() *config.Topology {
	return n.topology
}

// Status is a point-in-time summary of the node.
type Status struct {
	ID            uint64 `json:"id"`
	State         string `json:"state"`
	Term          uint64 `json:"term"`
	LeaderID      uint64 `json:"leader_id"`
	Commit        uint64 `json:"commit"`
	Applied       uint64 `json:"applied"`
	SnapshotIndex uint64 `json:"snapshot_index"`
}

func (n *Node) Status() Status {
	st := n.underlying.Status()
	return Status{
		ID:            n.ID,
		State:         st.RaftState.String(),
		Term:          st.Term,
		LeaderID:      st.Lead,
		Commit:        st.Commit,
		Applied:       n.storage.AppliedIndex(),
		SnapshotIndex: n.storage.SnapshotIndex(),
	}
}

// Done is closed once the node is stopped.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		slog.Info("stopping raft node", "id", n.ID)

		n.underlying.Stop()
		n.stop()
		n.wg.Wait()
		n.events.stop()

		n.proposalsMu.Lock()
		for _, resultChan := range n.proposals {
			select {
			case resultChan <- proposeResult{Err: dberrors.ErrStopped}:
			default:
			}
		}
		n.proposalsMu.Unlock()

		slog.Info("raft node stopped", "id", n.ID)
	})
	return nil
}
