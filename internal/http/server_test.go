package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"raftkv/internal/service"
	"raftkv/pkg/cluster"
	"raftkv/pkg/config"
	"raftkv/pkg/dberrors"
	"raftkv/pkg/metrics"
	"raftkv/pkg/raftadapter"
)

// fakeService is an in-memory client service. redirectTo makes it answer
// every request with a leader-forward reply.
type fakeService struct {
	mu         sync.Mutex
	m          map[string]string
	redirectTo *uint64
	err        error
}

func newFakeService() *fakeService {
	return &fakeService{m: make(map[string]string)}
}

func (f *fakeService) ClientWrite(ctx context.Context, req service.WriteRequest) (service.WriteReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return service.WriteReply{}, f.err
	}
	if f.redirectTo != nil || f.m == nil {
		return service.WriteReply{LeaderID: f.redirectTo, Redirect: true}, nil
	}
	f.m[req.Key] = req.Value
	return service.WriteReply{}, nil
}

func (f *fakeService) ClientRead(ctx context.Context, req service.ReadRequest) (service.ReadReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return service.ReadReply{}, f.err
	}
	if f.redirectTo != nil {
		return service.ReadReply{LeaderID: f.redirectTo, Redirect: true}, nil
	}
	v, ok := f.m[req.Key]
	if !ok {
		return service.ReadReply{}, nil
	}
	return service.ReadReply{Value: &v}, nil
}

func (f *fakeService) ClientDelete(ctx context.Context, key string) (service.WriteReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return service.WriteReply{}, f.err
	}
	if f.redirectTo != nil {
		return service.WriteReply{LeaderID: f.redirectTo, Redirect: true}, nil
	}
	delete(f.m, key)
	return service.WriteReply{}, nil
}

type fakeRaftNode struct{}

func (fakeRaftNode) Status() raftadapter.Status {
	return raftadapter.Status{ID: 1, State: "StateLeader", Term: 2, LeaderID: 1, Commit: 7, Applied: 7}
}

type fakeClusterView struct{}

func (fakeClusterView) Leader() (cluster.NodeInfo, bool, error) {
	return cluster.NodeInfo{ID: 2, Addr: "http://n2:8080", Term: 3}, true, nil
}

func (fakeClusterView) Nodes() ([]uint64, error) {
	return []uint64{1, 2, 3}, nil
}

func testTopology(t *testing.T) *config.Topology {
	t.Helper()
	topo, err := config.NewTopology([]config.RaftPeerConfig{
		{ID: 1, Address: "http://n1:8080"},
		{ID: 2, Address: "http://n2:8080"},
		{ID: 3, Address: "http://n3:8080"},
	})
	if err != nil {
		t.Fatalf("NewTopology failed: %v", err)
	}
	return topo
}

func newTestServer(t *testing.T, svc *fakeService) *Server {
	t.Helper()
	return NewServer(svc, fakeRaftNode{}, Options{Topology: testTopology(t)})
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, newFakeService())

	rr := serve(s.Router(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != StatusOK || resp.Node.ID != 1 || resp.Node.Applied != 7 {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s := newTestServer(t, newFakeService())
	router := s.Router()

	// PUT form
	form := url.Values{}
	form.Set("key", "foo")
	form.Set("value", "bar")
	req := httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := serve(router, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusSuccess {
		t.Fatalf("put: expected status %s, got %s", StatusSuccess, resp.Status)
	}

	// PUT JSON
	req = httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader(`{"key":"baz","value":"qux"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if rr = serve(router, req); rr.Code != http.StatusOK {
		t.Fatalf("put json: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET
	rr = serve(router, httptest.NewRequest(http.MethodGet, kvPath+"?key=foo", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Value == nil || *resp.Value != "bar" {
		t.Fatalf("get: expected value 'bar', got %+v", resp)
	}

	// DELETE
	rr = serve(router, httptest.NewRequest(http.MethodDelete, kvPath+"?key=foo", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET after delete -> 404
	rr = serve(router, httptest.NewRequest(http.MethodGet, kvPath+"?key=foo", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRedirectToLeader(t *testing.T) {
	svc := newFakeService()
	leader := uint64(2)
	svc.redirectTo = &leader
	router := newTestServer(t, svc).Router()

	requests := []*http.Request{
		httptest.NewRequest(http.MethodGet, kvPath+"?key=x", nil),
		httptest.NewRequest(http.MethodDelete, kvPath+"?key=x", nil),
	}
	put := httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader("key=x&value=1"))
	put.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	requests = append(requests, put)

	for _, req := range requests {
		rr := serve(router, req)
		if rr.Code != http.StatusMisdirectedRequest {
			t.Fatalf("%s: expected 421, got %d body=%s", req.Method, rr.Code, rr.Body.String())
		}
		resp := decodeResp(t, rr)
		if resp.Status != StatusRedirect || resp.LeaderID != 2 || resp.LeaderAddr != "http://n2:8080" {
			t.Fatalf("%s: unexpected redirect body %+v", req.Method, resp)
		}
		if resp.Value != nil {
			t.Fatalf("%s: redirect must not carry a value", req.Method)
		}
	}

	// лидер неизвестен: 421 без адреса
	svc.redirectTo = nil
	svc.m = nil
	put = httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader("key=x&value=1"))
	put.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := serve(router, put)
	if rr.Code != http.StatusMisdirectedRequest {
		t.Fatalf("expected 421 with unknown leader, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.LeaderID != 0 || resp.LeaderAddr != "" {
		t.Fatalf("expected no leader hint, got %+v", resp)
	}
}

func TestEmptyValue(t *testing.T) {
	router := newTestServer(t, newFakeService()).Router()

	put := httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader("key=e&value="))
	put.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rr := serve(router, put); rr.Code != http.StatusOK {
		t.Fatalf("put empty value: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr := serve(router, httptest.NewRequest(http.MethodGet, kvPath+"?key=e", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"value":""`) {
		t.Fatalf("empty value must be present in the body, got %s", rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Value == nil || *resp.Value != "" {
		t.Fatalf("expected empty value, got %+v", resp)
	}

	// JSON без поля value
	put = httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader(`{"key":"e"}`))
	put.Header.Set("Content-Type", "application/json")
	if rr := serve(router, put); rr.Code != http.StatusBadRequest {
		t.Fatalf("put without value: expected 400, got %d", rr.Code)
	}
	put = httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader(`{"key":"j","value":""}`))
	put.Header.Set("Content-Type", "application/json")
	if rr := serve(router, put); rr.Code != http.StatusOK {
		t.Fatalf("put json empty value: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestInvalidUTF8IsRejected(t *testing.T) {
	svc := newFakeService()
	router := newTestServer(t, svc).Router()

	form := httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader("key=k&value=%FF%FE"))
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	body := httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader("{\"key\":\"k\",\"value\":\"\xff\"}"))
	body.Header.Set("Content-Type", "application/json")

	requests := []*http.Request{
		form,
		body,
		httptest.NewRequest(http.MethodGet, kvPath+"?key=%FF", nil),
		httptest.NewRequest(http.MethodDelete, kvPath+"?key=%FF", nil),
	}
	for _, req := range requests {
		rr := serve(router, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d body=%s", req.Method, req.URL, rr.Code, rr.Body.String())
		}
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, ok := svc.m["k"]; ok {
		t.Fatalf("invalid UTF-8 write reached the service")
	}
}

func TestFailureStatuses(t *testing.T) {
	svc := newFakeService()
	router := newTestServer(t, svc).Router()

	svc.err = dberrors.ErrApply
	put := httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader("key=x&value=1"))
	put.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rr := serve(router, put); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("apply error: expected 422, got %d", rr.Code)
	}

	svc.err = dberrors.ErrRetryLater
	rr := serve(router, httptest.NewRequest(http.MethodGet, kvPath+"?key=x", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("retry later: expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("retry later must set Retry-After")
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	router := newTestServer(t, newFakeService()).Router()

	req := httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rr := serve(router, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPut, kvPath, strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	if rr := serve(router, req); rr.Code != http.StatusBadRequest {
		t.Fatalf("put-bad-json: expected 400, got %d", rr.Code)
	}

	if rr := serve(router, httptest.NewRequest(http.MethodGet, kvPath, nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d", rr.Code)
	}
	if rr := serve(router, httptest.NewRequest(http.MethodDelete, kvPath, nil)); rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-missing: expected 400, got %d", rr.Code)
	}
	if rr := serve(router, httptest.NewRequest(http.MethodPost, "/health", nil)); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d", rr.Code)
	}
	// /metrics и /raft не подключены
	if rr := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil)); rr.Code != http.StatusNotFound {
		t.Fatalf("metrics without collector: expected 404, got %d", rr.Code)
	}
}

func TestMetricsAndCluster(t *testing.T) {
	prom := metrics.NewPrometheus()
	s := NewServer(newFakeService(), fakeRaftNode{}, Options{
		Topology: testTopology(t),
		Metrics:  prom,
		Cluster:  fakeClusterView{},
	})
	router := s.Router()

	serve(router, httptest.NewRequest(http.MethodGet, kvPath+"?key=nope", nil))

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `raftkv_http_requests_total{code="404",method="GET",route="/api/v1/kv"} 1`) {
		t.Fatalf("request counter missing:\n%s", body)
	}

	rr = serve(router, httptest.NewRequest(http.MethodGet, "/cluster", nil))
	var resp ClusterResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode cluster: %v", err)
	}
	if len(resp.Nodes) != 3 || resp.Leader == nil || *resp.Leader != 2 || resp.Addr != "http://n2:8080" {
		t.Fatalf("unexpected cluster response: %+v", resp)
	}
}
