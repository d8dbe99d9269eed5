package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"raftkv/pkg/dberrors"
)

// DropRule matches calls to discard. Zero From/To and KindAny match everything.
type DropRule struct {
	From uint64
	To   uint64
	Kind Kind
}

func (r DropRule) matches(from, to uint64, kind Kind) bool {
	return (r.From == 0 || r.From == from) &&
		(r.To == 0 || r.To == to) &&
		(r.Kind == KindAny || r.Kind == kind)
}

// Inproc routes RPCs between handlers living in one process. Used by tests and simulations;
// dropped calls fail with ErrTransport the same way an unreachable peer does.
type Inproc struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	drops    []DropRule
}

func NewInproc() *Inproc {
	return &Inproc{handlers: make(map[uint64]Handler)}
}

func (in *Inproc) Register(id uint64, h Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers[id] = h
}

func (in *Inproc) Unregister(id uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.handlers, id)
}

func (in *Inproc) Drop(rule DropRule) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.drops = append(in.drops, rule)
}

// Isolate cuts every call to and from id.
func (in *Inproc) Isolate(id uint64) {
	in.Drop(DropRule{From: id})
	in.Drop(DropRule{To: id})
}

// Heal removes all drop rules.
func (in *Inproc) Heal() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.drops = nil
}

// Endpoint returns the Network of node from.
func (in *Inproc) Endpoint(from uint64) Network {
	return &inprocEndpoint{net: in, from: from}
}

func (in *Inproc) route(ctx context.Context, from, to uint64, kind Kind) (Handler, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", dberrors.ErrTransport, err)
	}

	in.mu.RLock()
	defer in.mu.RUnlock()

	for _, r := range in.drops {
		if r.matches(from, to, kind) {
			return nil, fmt.Errorf("%w: %s %d->%d dropped", dberrors.ErrTransport, kind, from, to)
		}
	}
	h, ok := in.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer node %d", dberrors.ErrTransport, to)
	}
	return h, nil
}

type inprocEndpoint struct {
	net  *Inproc
	from uint64
}

func (e *inprocEndpoint) SendAppendEntries(ctx context.Context, to uint64, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	h, err := e.net.route(ctx, e.from, to, KindAppendEntries)
	if err != nil {
		return nil, err
	}
	reply, err := h.HandleAppendEntries(ctx, req)
	return reply, wrapHandlerErr(err)
}

func (e *inprocEndpoint) SendVoteRequest(ctx context.Context, to uint64, req *VoteRequest) (*VoteReply, error) {
	h, err := e.net.route(ctx, e.from, to, KindRequestVote)
	if err != nil {
		return nil, err
	}
	reply, err := h.HandleVoteRequest(ctx, req)
	return reply, wrapHandlerErr(err)
}

func (e *inprocEndpoint) SendInstallSnapshot(ctx context.Context, to uint64, req *InstallSnapshotRequest) (*InstallSnapshotReply, error) {
	h, err := e.net.route(ctx, e.from, to, KindInstallSnapshot)
	if err != nil {
		return nil, err
	}
	reply, err := h.HandleInstallSnapshot(ctx, req)
	return reply, wrapHandlerErr(err)
}

// wrapHandlerErr makes a failed remote handler look like a failed call.
func wrapHandlerErr(err error) error {
	if err == nil || errors.Is(err, dberrors.ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %v", dberrors.ErrTransport, err)
}
