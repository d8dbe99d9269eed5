// Package transport carries the consensus RPCs between nodes.
//
// Network calls never retry: a failure is returned at once wrapped in
// dberrors.ErrTransport and the consensus engine decides when to try again.
package transport

import "context"

// Network delivers consensus RPCs from the local node to a named peer.
type Network interface {
	SendAppendEntries(ctx context.Context, to uint64, req *AppendEntriesRequest) (*AppendEntriesReply, error)
	SendVoteRequest(ctx context.Context, to uint64, req *VoteRequest) (*VoteReply, error)
	SendInstallSnapshot(ctx context.Context, to uint64, req *InstallSnapshotRequest) (*InstallSnapshotReply, error)
}

// Handler serves consensus RPCs addressed to the local node.
type Handler interface {
	HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesReply, error)
	HandleVoteRequest(ctx context.Context, req *VoteRequest) (*VoteReply, error)
	HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotReply, error)
}
