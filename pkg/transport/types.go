package transport

import "go.etcd.io/etcd/raft/v3/raftpb"

// Kind names one of the three consensus RPCs.
type Kind uint8

const (
	KindAny Kind = iota
	KindAppendEntries
	KindRequestVote
	KindInstallSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindAppendEntries:
		return "append_entries"
	case KindRequestVote:
		return "request_vote"
	case KindInstallSnapshot:
		return "install_snapshot"
	default:
		return "any"
	}
}

// AppendEntriesRequest replicates log entries; with Heartbeat set it only carries
// the commit index and the read-index context.
type AppendEntriesRequest struct {
	Term         uint64         `json:"term"`
	LeaderID     uint64         `json:"leader_id"`
	PrevLogIndex uint64         `json:"prev_log_index"`
	PrevLogTerm  uint64         `json:"prev_log_term"`
	Entries      []raftpb.Entry `json:"entries,omitempty"`
	LeaderCommit uint64         `json:"leader_commit"`
	Heartbeat    bool           `json:"heartbeat,omitempty"`
	Context      []byte         `json:"context,omitempty"`
}

type AppendEntriesReply struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	// Index is the last matching index on success, the rejected index otherwise.
	Index      uint64 `json:"index"`
	RejectHint uint64 `json:"reject_hint,omitempty"`
	LogTerm    uint64 `json:"log_term,omitempty"`
	Heartbeat  bool   `json:"heartbeat,omitempty"`
	Context    []byte `json:"context,omitempty"`
}

type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  uint64 `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
	PreVote      bool   `json:"pre_vote,omitempty"`
	Context      []byte `json:"context,omitempty"`
}

type VoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
	PreVote     bool   `json:"pre_vote,omitempty"`
}

type InstallSnapshotRequest struct {
	Term              uint64           `json:"term"`
	LeaderID          uint64           `json:"leader_id"`
	LastIncludedIndex uint64           `json:"last_included_index"`
	LastIncludedTerm  uint64           `json:"last_included_term"`
	ConfState         raftpb.ConfState `json:"conf_state"`
	Data              []byte           `json:"data"`
}

// InstallSnapshotReply mirrors the follower's append response after installing.
type InstallSnapshotReply struct {
	Term       uint64 `json:"term"`
	Success    bool   `json:"success"`
	Index      uint64 `json:"index"`
	RejectHint uint64 `json:"reject_hint,omitempty"`
	LogTerm    uint64 `json:"log_term,omitempty"`
}
