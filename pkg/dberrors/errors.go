package dberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport - peer unreachable, timed out or answered with a non-OK status.
	// Recovered by the consensus engine, never surfaced to clients.
	ErrTransport = errors.New("raftkv: transport failure")
	// ErrNoReply means the peer accepted the request but the engine produced no answer in time.
	ErrNoReply = fmt.Errorf("%w: no reply from peer", ErrTransport)

	// ErrPersistence is fatal for the node: it must stop serving.
	ErrPersistence = errors.New("raftkv: persistence failure")

	// ErrStaleRequest covers lower-term votes/appends and out-of-date snapshots.
	ErrStaleRequest = errors.New("raftkv: stale request")

	ErrNotLeader  = errors.New("raftkv: not leader")
	ErrApply      = errors.New("raftkv: command rejected by state machine")
	ErrNotFound   = errors.New("raftkv: not found")
	ErrRetryLater = errors.New("raftkv: retry later")
	ErrStopped    = errors.New("raftkv: stopped")
)

// NotLeaderError carries the id of the leader known to this node, 0 if unknown.
type NotLeaderError struct {
	LeaderID uint64
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "raftkv: not leader, leader unknown"
	}
	return fmt.Sprintf("raftkv: not leader, leader is %d", e.LeaderID)
}

func (e *NotLeaderError) Unwrap() error {
	return ErrNotLeader
}

// LeaderOf extracts the leader hint from err. ok is false when err is not a NotLeaderError.
func LeaderOf(err error) (leaderID uint64, ok bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle.LeaderID, true
	}
	return 0, false
}
