package metrics

import (
	"strconv"

	"raftkv/pkg/raftadapter"
)

// Collector is the metrics sink. Label keys of one metric name must not change between calls.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// RaftObserver turns node events into metrics.
func RaftObserver(c Collector) raftadapter.Observer {
	return raftadapter.ObserverFunc(func(e raftadapter.Event) {
		node := map[string]string{"node": strconv.FormatUint(e.NodeID, 10)}

		switch e.Kind {
		case raftadapter.LeaderChanged:
			c.IncCounter("leader_changes_total", node, 1)
			c.SetGauge("leader_id", node, float64(e.LeaderID))
			c.SetGauge("term", node, float64(e.Term))
		case raftadapter.EntriesApplied:
			c.SetGauge("applied_index", node, float64(e.Index))
			c.IncCounter("applied_entries_total", node, float64(e.Count))
		case raftadapter.SnapshotCreated:
			c.IncCounter("snapshots_created_total", node, 1)
			c.SetGauge("snapshot_index", node, float64(e.Index))
		case raftadapter.SnapshotInstalled:
			c.IncCounter("snapshots_installed_total", node, 1)
			c.SetGauge("snapshot_index", node, float64(e.Index))
		case raftadapter.PeerUnreachable:
			c.IncCounter("peer_unreachable_total", map[string]string{
				"node": node["node"],
				"peer": strconv.FormatUint(e.Peer, 10),
				"rpc":  e.RPC,
			}, 1)
		case raftadapter.StaleRequest:
			c.IncCounter("stale_requests_total", map[string]string{
				"node": node["node"],
				"rpc":  e.RPC,
			}, 1)
		}
	})
}
