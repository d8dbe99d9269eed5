package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"raftkv/pkg/dberrors"
	"raftkv/pkg/transport"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var _ transport.Handler = (*Node)(nil)

// waiter catches the engine's response to one inbound request.
type waiter struct {
	accept []raftpb.MessageType
	ch     chan raftpb.Message
}

func (n *Node) HandleAppendEntries(ctx context.Context, req *transport.AppendEntriesRequest) (*transport.AppendEntriesReply, error) {
	kind := transport.KindAppendEntries
	if err := n.checkPeer(req.LeaderID); err != nil {
		return nil, err
	}
	n.checkStale(req.LeaderID, req.Term, kind)

	// отставший лидер получает MsgAppResp даже на heartbeat
	accept := []raftpb.MessageType{raftpb.MsgAppResp}
	if req.Heartbeat {
		accept = append(accept, raftpb.MsgHeartbeatResp)
	}
	resp, err := n.exchange(ctx, appendMessage(n.ID, req), accept...)
	if err != nil {
		return nil, err
	}
	return appendReply(req, resp), nil
}

func (n *Node) HandleVoteRequest(ctx context.Context, req *transport.VoteRequest) (*transport.VoteReply, error) {
	if err := n.checkPeer(req.CandidateID); err != nil {
		return nil, err
	}
	// устаревший кандидат: отказываем сразу, etcd такое молча игнорирует
	if cur, stale := n.checkStale(req.CandidateID, req.Term, transport.KindRequestVote); stale {
		return &transport.VoteReply{Term: cur, VoteGranted: false, PreVote: req.PreVote}, nil
	}

	accept := raftpb.MsgVoteResp
	if req.PreVote {
		accept = raftpb.MsgPreVoteResp
	}
	resp, err := n.exchange(ctx, voteMessage(n.ID, req), accept)
	if err != nil {
		return nil, err
	}
	return voteReply(req, resp), nil
}

func (n *Node) HandleInstallSnapshot(ctx context.Context, req *transport.InstallSnapshotRequest) (*transport.InstallSnapshotReply, error) {
	if err := n.checkPeer(req.LeaderID); err != nil {
		return nil, err
	}
	// MsgSnap из старого терма etcd отбрасывает без ответа
	if cur, stale := n.checkStale(req.LeaderID, req.Term, transport.KindInstallSnapshot); stale {
		return &transport.InstallSnapshotReply{Term: cur}, nil
	}

	resp, err := n.exchange(ctx, snapshotMessage(n.ID, req), raftpb.MsgAppResp)
	if err != nil {
		return nil, err
	}
	return snapshotReply(req, resp), nil
}

func (n *Node) checkPeer(from uint64) error {
	if from == n.ID || !n.topology.Contains(from) {
		return fmt.Errorf("rpc from unknown node %d", from)
	}
	return nil
}

// checkStale reports and logs a request from a lower term. Stale AppendEntries are still
// handed to the engine, which answers them with its term.
func (n *Node) checkStale(from, term uint64, kind transport.Kind) (uint64, bool) {
	cur := n.underlying.Status().Term
	if term >= cur {
		return cur, false
	}
	err := fmt.Errorf("%w: term %d < current term %d", dberrors.ErrStaleRequest, term, cur)
	slog.Debug("stale raft request", "from", from, "rpc", kind.String(), "error", err)
	n.events.emit(Event{Kind: StaleRequest, Peer: from, RPC: kind.String(), Term: cur, Err: err})
	return cur, true
}

// exchange steps msg into the engine and waits for its response to the sender.
// Requests from one peer are handled one at a time.
func (n *Node) exchange(ctx context.Context, msg raftpb.Message, accept ...raftpb.MessageType) (raftpb.Message, error) {
	lock := n.peerLocks[msg.From]
	lock.Lock()
	defer lock.Unlock()

	w := &waiter{accept: accept, ch: make(chan raftpb.Message, 1)}
	n.waitersMu.Lock()
	n.waiters[msg.From] = w
	n.waitersMu.Unlock()

	defer func() {
		n.waitersMu.Lock()
		if n.waiters[msg.From] == w {
			delete(n.waiters, msg.From)
		}
		n.waitersMu.Unlock()
	}()

	if err := n.underlying.Step(ctx, msg); err != nil {
		if errors.Is(err, raft.ErrStopped) {
			return raftpb.Message{}, dberrors.ErrStopped
		}
		return raftpb.Message{}, fmt.Errorf("%w: step %s: %v", dberrors.ErrNoReply, msg.Type, err)
	}

	timer := time.NewTimer(n.replyTimeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-timer.C:
		return raftpb.Message{}, fmt.Errorf("%w: %s from %d", dberrors.ErrNoReply, msg.Type, msg.From)
	case <-ctx.Done():
		return raftpb.Message{}, fmt.Errorf("%w: %v", dberrors.ErrNoReply, ctx.Err())
	case <-n.ctx.Done():
		return raftpb.Message{}, dberrors.ErrStopped
	}
}

// deliverResponse hands a response message to the inbound request waiting for it.
// Responses nobody waits for (the request already timed out) are dropped.
func (n *Node) deliverResponse(msg raftpb.Message) {
	n.waitersMu.Lock()
	w, ok := n.waiters[msg.To]
	if ok && slices.Contains(w.accept, msg.Type) {
		delete(n.waiters, msg.To)
	} else {
		ok = false
	}
	n.waitersMu.Unlock()

	if !ok {
		slog.Debug("dropping raft response without waiter", "to", msg.To, "type", msg.Type)
		return
	}
	w.ch <- msg
}
