package raftadapter

import (
	"context"
	"log/slog"
	"time"

	"raftkv/pkg/listener"
)

type EventKind uint8

const (
	LeaderChanged EventKind = iota + 1
	EntriesApplied
	SnapshotCreated
	SnapshotInstalled
	PeerUnreachable
	StaleRequest
)

func (k EventKind) String() string {
	switch k {
	case LeaderChanged:
		return "leader_changed"
	case EntriesApplied:
		return "entries_applied"
	case SnapshotCreated:
		return "snapshot_created"
	case SnapshotInstalled:
		return "snapshot_installed"
	case PeerUnreachable:
		return "peer_unreachable"
	case StaleRequest:
		return "stale_request"
	default:
		return "unknown"
	}
}

// Event is an observability record emitted by the node. Only fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	NodeID   uint64
	Term     uint64
	LeaderID uint64
	// Index is the applied index for EntriesApplied and the snapshot index for snapshot events.
	Index uint64
	// Count is the number of entries in an EntriesApplied batch.
	Count int
	Peer  uint64
	RPC   string
	Err   error
	At    time.Time
}

// Observer receives events on a dedicated goroutine and must not block for long.
type Observer interface {
	Observe(e Event)
}

type ObserverFunc func(e Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

const eventBuffer = 1024

// emitter fans events out to observers through a listener so the Ready loop never waits on them.
type emitter struct {
	nodeID    uint64
	ch        chan Event
	observers []Observer
	job       *listener.Listener[Event]
}

func newEmitter(nodeID uint64, observers []Observer) *emitter {
	e := &emitter{
		nodeID:    nodeID,
		ch:        make(chan Event, eventBuffer),
		observers: observers,
	}
	e.job = listener.New(e.ch, e.dispatch)
	return e
}

func (e *emitter) start(ctx context.Context) {
	if len(e.observers) == 0 {
		return
	}
	e.job.Start(ctx)
}

func (e *emitter) stop() {
	if len(e.observers) == 0 {
		return
	}
	e.job.Stop()
}

func (e *emitter) emit(ev Event) {
	if len(e.observers) == 0 {
		return
	}
	ev.NodeID = e.nodeID
	ev.At = time.Now()
	select {
	case e.ch <- ev:
	default:
		slog.Debug("event buffer full, dropping event", "kind", ev.Kind)
	}
}

func (e *emitter) dispatch(ev Event) error {
	for _, o := range e.observers {
		o.Observe(ev)
	}
	return nil
}

// LogObserver writes events to logger. Applied batches go to debug level.
func LogObserver(logger *slog.Logger) Observer {
	return ObserverFunc(func(e Event) {
		attrs := []any{"event", e.Kind.String(), "node_id", e.NodeID}
		level := slog.LevelInfo

		switch e.Kind {
		case LeaderChanged:
			attrs = append(attrs, "leader_id", e.LeaderID, "term", e.Term)
		case EntriesApplied:
			level = slog.LevelDebug
			attrs = append(attrs, "applied_index", e.Index, "count", e.Count)
		case SnapshotCreated, SnapshotInstalled:
			attrs = append(attrs, "index", e.Index, "term", e.Term)
		case PeerUnreachable:
			level = slog.LevelWarn
			attrs = append(attrs, "peer", e.Peer, "rpc", e.RPC, "error", e.Err)
		case StaleRequest:
			attrs = append(attrs, "peer", e.Peer, "rpc", e.RPC, "term", e.Term, "error", e.Err)
		}
		logger.Log(context.Background(), level, "raft event", attrs...)
	})
}
