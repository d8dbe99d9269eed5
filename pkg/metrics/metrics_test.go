package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"raftkv/pkg/raftadapter"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheus_Collector(t *testing.T) {
	p := NewPrometheus()

	p.IncCounter("requests_total", map[string]string{"route": "put"}, 1)
	p.IncCounter("requests_total", map[string]string{"route": "put"}, 2)
	p.SetGauge("leader_id", map[string]string{"node": "1"}, 3)
	p.ObserveHistogram("request_seconds", map[string]string{"route": "get"}, 0.01)

	if got := testutil.ToFloat64(p.counters["requests_total"].WithLabelValues("put")); got != 3 {
		t.Fatalf("expected counter 3, got %v", got)
	}
	if got := testutil.ToFloat64(p.gauges["leader_id"].WithLabelValues("1")); got != 3 {
		t.Fatalf("expected gauge 3, got %v", got)
	}
	if n := testutil.CollectAndCount(p.histograms["request_seconds"]); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}

	// другой набор меток для того же имени не паникует
	p.IncCounter("requests_total", map[string]string{"other": "x"}, 1)
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus()
	p.IncCounter("leader_changes_total", map[string]string{"node": "1"}, 1)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `raftkv_leader_changes_total{node="1"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}

func TestRaftObserver(t *testing.T) {
	p := NewPrometheus()
	obs := RaftObserver(p)

	obs.Observe(raftadapter.Event{Kind: raftadapter.LeaderChanged, NodeID: 2, LeaderID: 3, Term: 4})
	obs.Observe(raftadapter.Event{Kind: raftadapter.EntriesApplied, NodeID: 2, Index: 10, Count: 4})
	obs.Observe(raftadapter.Event{Kind: raftadapter.EntriesApplied, NodeID: 2, Index: 12, Count: 2})
	obs.Observe(raftadapter.Event{Kind: raftadapter.PeerUnreachable, NodeID: 2, Peer: 1, RPC: "append_entries"})

	if got := testutil.ToFloat64(p.gauges["leader_id"].WithLabelValues("2")); got != 3 {
		t.Fatalf("expected leader gauge 3, got %v", got)
	}
	if got := testutil.ToFloat64(p.gauges["applied_index"].WithLabelValues("2")); got != 12 {
		t.Fatalf("expected applied index 12, got %v", got)
	}
	if got := testutil.ToFloat64(p.counters["applied_entries_total"].WithLabelValues("2")); got != 6 {
		t.Fatalf("expected 6 applied entries, got %v", got)
	}
	// метки отсортированы: node, peer, rpc
	if got := testutil.ToFloat64(p.counters["peer_unreachable_total"].WithLabelValues("2", "1", "append_entries")); got != 1 {
		t.Fatalf("expected one unreachable report, got %v", got)
	}
}
