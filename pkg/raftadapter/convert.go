package raftadapter

import (
	"raftkv/pkg/transport"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Outgoing etcd messages become typed RPC requests; the peer's typed reply is turned
// back into the response message the engine expects.

func appendRequest(m raftpb.Message) *transport.AppendEntriesRequest {
	req := &transport.AppendEntriesRequest{
		Term:         m.Term,
		LeaderID:     m.From,
		LeaderCommit: m.Commit,
	}
	if m.Type == raftpb.MsgHeartbeat {
		req.Heartbeat = true
		req.Context = m.Context
		return req
	}
	req.PrevLogIndex = m.Index
	req.PrevLogTerm = m.LogTerm
	req.Entries = m.Entries
	return req
}

func appendMessage(to uint64, req *transport.AppendEntriesRequest) raftpb.Message {
	m := raftpb.Message{
		From:   req.LeaderID,
		To:     to,
		Term:   req.Term,
		Commit: req.LeaderCommit,
	}
	if req.Heartbeat {
		m.Type = raftpb.MsgHeartbeat
		m.Context = req.Context
		return m
	}
	m.Type = raftpb.MsgApp
	m.Index = req.PrevLogIndex
	m.LogTerm = req.PrevLogTerm
	m.Entries = req.Entries
	return m
}

// appendReply answers both append and heartbeat requests. A lower-term sender gets a
// MsgAppResp even for a heartbeat, so the type is taken from the response itself.
func appendReply(req *transport.AppendEntriesRequest, resp raftpb.Message) *transport.AppendEntriesReply {
	return &transport.AppendEntriesReply{
		Term:       resp.Term,
		Success:    !resp.Reject && resp.Term == req.Term,
		Index:      resp.Index,
		RejectHint: resp.RejectHint,
		LogTerm:    resp.LogTerm,
		Heartbeat:  resp.Type == raftpb.MsgHeartbeatResp,
		Context:    resp.Context,
	}
}

func appendResponse(req raftpb.Message, reply *transport.AppendEntriesReply) raftpb.Message {
	m := raftpb.Message{
		From: req.To,
		To:   req.From,
		Term: reply.Term,
	}
	if reply.Heartbeat {
		m.Type = raftpb.MsgHeartbeatResp
		m.Context = reply.Context
		return m
	}
	m.Type = raftpb.MsgAppResp
	m.Index = reply.Index
	m.Reject = !reply.Success && reply.Term == req.Term
	m.RejectHint = reply.RejectHint
	m.LogTerm = reply.LogTerm
	return m
}

func voteRequest(m raftpb.Message) *transport.VoteRequest {
	return &transport.VoteRequest{
		Term:         m.Term,
		CandidateID:  m.From,
		LastLogIndex: m.Index,
		LastLogTerm:  m.LogTerm,
		PreVote:      m.Type == raftpb.MsgPreVote,
		Context:      m.Context,
	}
}

func voteMessage(to uint64, req *transport.VoteRequest) raftpb.Message {
	t := raftpb.MsgVote
	if req.PreVote {
		t = raftpb.MsgPreVote
	}
	return raftpb.Message{
		Type:    t,
		From:    req.CandidateID,
		To:      to,
		Term:    req.Term,
		Index:   req.LastLogIndex,
		LogTerm: req.LastLogTerm,
		Context: req.Context,
	}
}

func voteReply(req *transport.VoteRequest, resp raftpb.Message) *transport.VoteReply {
	return &transport.VoteReply{
		Term:        resp.Term,
		VoteGranted: !resp.Reject,
		PreVote:     req.PreVote,
	}
}

func voteResponse(req raftpb.Message, reply *transport.VoteReply) raftpb.Message {
	t := raftpb.MsgVoteResp
	if req.Type == raftpb.MsgPreVote {
		t = raftpb.MsgPreVoteResp
	}
	return raftpb.Message{
		Type:   t,
		From:   req.To,
		To:     req.From,
		Term:   reply.Term,
		Reject: !reply.VoteGranted,
	}
}

func snapshotRequest(m raftpb.Message) *transport.InstallSnapshotRequest {
	return &transport.InstallSnapshotRequest{
		Term:              m.Term,
		LeaderID:          m.From,
		LastIncludedIndex: m.Snapshot.Metadata.Index,
		LastIncludedTerm:  m.Snapshot.Metadata.Term,
		ConfState:         m.Snapshot.Metadata.ConfState,
		Data:              m.Snapshot.Data,
	}
}

func snapshotMessage(to uint64, req *transport.InstallSnapshotRequest) raftpb.Message {
	return raftpb.Message{
		Type: raftpb.MsgSnap,
		From: req.LeaderID,
		To:   to,
		Term: req.Term,
		Snapshot: raftpb.Snapshot{
			Data: req.Data,
			Metadata: raftpb.SnapshotMetadata{
				ConfState: req.ConfState,
				Index:     req.LastIncludedIndex,
				Term:      req.LastIncludedTerm,
			},
		},
	}
}

func snapshotReply(req *transport.InstallSnapshotRequest, resp raftpb.Message) *transport.InstallSnapshotReply {
	return &transport.InstallSnapshotReply{
		Term:       resp.Term,
		Success:    !resp.Reject && resp.Term == req.Term,
		Index:      resp.Index,
		RejectHint: resp.RejectHint,
		LogTerm:    resp.LogTerm,
	}
}

func snapshotResponse(req raftpb.Message, reply *transport.InstallSnapshotReply) raftpb.Message {
	return raftpb.Message{
		Type:       raftpb.MsgAppResp,
		From:       req.To,
		To:         req.From,
		Term:       reply.Term,
		Index:      reply.Index,
		Reject:     !reply.Success && reply.Term == req.Term,
		RejectHint: reply.RejectHint,
		LogTerm:    reply.LogTerm,
	}
}

func isResponse(t raftpb.MessageType) bool {
	switch t {
	case raftpb.MsgAppResp, raftpb.MsgHeartbeatResp, raftpb.MsgVoteResp, raftpb.MsgPreVoteResp:
		return true
	}
	return false
}
