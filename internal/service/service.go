package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"raftkv/pkg/dberrors"
	"raftkv/pkg/store"
)

type iRaftNode interface {
	Execute(ctx context.Context, cmd store.Command) error
	LinearizableRead(ctx context.Context) (uint64, error)
	View(fn func(r store.Reader))
}

type WriteRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ReadRequest struct {
	Key string `json:"key"`
}

// WriteReply is empty on success. LeaderID is set when the write was not
// performed because this node is not the leader.
type WriteReply struct {
	LeaderID *uint64 `json:"leader_id,omitempty"`
	// Redirect is true for a leader-forward reply, also when the leader is unknown.
	Redirect bool `json:"-"`
}

// ReadReply carries the value if the key exists. A leader-forward reply never
// carries a value.
type ReadReply struct {
	Value    *string `json:"value,omitempty"`
	LeaderID *uint64 `json:"leader_id,omitempty"`
	Redirect bool    `json:"-"`
}

// Service maps client requests onto the consensus engine. The only state it
// keeps is the engine handle.
type Service struct {
	node    iRaftNode
	timeout time.Duration
}

// New creates a Service. timeout bounds a single request, 0 leaves it to the caller's context.
func New(node iRaftNode, timeout time.Duration) *Service {
	return &Service{node: node, timeout: timeout}
}

// ClientWrite puts key=value through the log. Errors are either ErrApply
// (write failure) or ErrRetryLater.
func (s *Service) ClientWrite(ctx context.Context, req WriteRequest) (WriteReply, error) {
	return s.write(ctx, "write", store.NewPut(req.Key, req.Value))
}

// ClientDelete removes key through the log, same outcomes as ClientWrite.
func (s *Service) ClientDelete(ctx context.Context, key string) (WriteReply, error) {
	return s.write(ctx, "delete", store.NewDelete(key))
}

func (s *Service) write(ctx context.Context, op string, cmd store.Command) (WriteReply, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.node.Execute(ctx, cmd)
	if err == nil {
		return WriteReply{}, nil
	}
	if leaderID, ok := dberrors.LeaderOf(err); ok {
		return WriteReply{LeaderID: leaderHint(leaderID), Redirect: true}, nil
	}
	if errors.Is(err, dberrors.ErrApply) {
		slog.Debug("service: write rejected", "op", op, "key", cmd.Key, "error", err)
		return WriteReply{}, err
	}
	return WriteReply{}, retryLater(op, err)
}

// ClientRead confirms leadership and the commit view before reading the key
// from the local state machine.
func (s *Service) ClientRead(ctx context.Context, req ReadRequest) (ReadReply, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.node.LinearizableRead(ctx); err != nil {
		if leaderID, ok := dberrors.LeaderOf(err); ok {
			return ReadReply{LeaderID: leaderHint(leaderID), Redirect: true}, nil
		}
		return ReadReply{}, retryLater("read", err)
	}

	var reply ReadReply
	s.node.View(func(r store.Reader) {
		if v, ok := r.Get(req.Key); ok {
			reply.Value = &v
		}
	})
	return reply, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func leaderHint(id uint64) *uint64 {
	if id == 0 {
		return nil
	}
	return &id
}

// retryLater hides engine internals behind ErrRetryLater.
func retryLater(op string, err error) error {
	slog.Warn("service: request failed", "op", op, "error", err)
	if errors.Is(err, dberrors.ErrRetryLater) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", dberrors.ErrRetryLater, op, err)
}
