package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"raftkv/internal/service"
	"raftkv/pkg/cluster"
	"raftkv/pkg/config"
	"raftkv/pkg/dberrors"
	"raftkv/pkg/metrics"
	"raftkv/pkg/raftadapter"
	"raftkv/pkg/transport"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	contentTypeJSON        = "application/json"
	defaultListen          = ":8080"
	defaultShutdownTimeout = time.Second * 5

	kvPath = "/api/v1/kv"
)

type iClientService interface {
	ClientWrite(ctx context.Context, req service.WriteRequest) (service.WriteReply, error)
	ClientRead(ctx context.Context, req service.ReadRequest) (service.ReadReply, error)
	ClientDelete(ctx context.Context, key string) (service.WriteReply, error)
}

type iRaftNode interface {
	Status() raftadapter.Status
}

// iClusterView - то, что сервер читает из ZooKeeper
type iClusterView interface {
	Leader() (cluster.NodeInfo, bool, error)
	Nodes() ([]uint64, error)
}

type iMetrics interface {
	metrics.Collector
	Handler() http.Handler
}

// Options wires the optional parts of the server. Nil parts are not routed.
type Options struct {
	Listen            string
	ReadHeaderTimeout time.Duration
	Topology          *config.Topology
	Peer              transport.Handler
	Metrics           iMetrics
	Cluster           iClusterView
}

// Server represents the HTTP server of one node: client API, peer RPC, health and metrics.
type Server struct {
	svc        iClientService
	node       iRaftNode
	opts       Options
	httpServer *http.Server
	listener   net.Listener
	URL        string
}

// NewServer creates a new server instance
func NewServer(svc iClientService, node iRaftNode, opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = defaultListen
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = time.Second
	}
	return &Server{
		svc:  svc,
		node: node,
		opts: opts,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.listener = ln
	s.URL = "http://" + ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.opts.Metrics != nil {
		r.Use(s.instrument)
	}

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	if s.opts.Cluster != nil {
		r.Get("/cluster", s.handleCluster)
	}

	r.Put(kvPath, s.handlePut)
	r.Get(kvPath, s.handleGet)
	r.Delete(kvPath, s.handleDelete)

	if s.opts.Peer != nil {
		r.Mount(transport.PathPrefix, transport.NewHandler(s.opts.Peer))
	}

	return r
}

// instrument records per-route request counts and latencies.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		labels := map[string]string{
			"method": r.Method,
			"route":  route,
			"code":   strconv.Itoa(ww.Status()),
		}
		s.opts.Metrics.IncCounter("http_requests_total", labels, 1)
		s.opts.Metrics.ObserveHistogram("http_request_duration_seconds", map[string]string{
			"method": r.Method,
			"route":  route,
		}, time.Since(start).Seconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeRedirect answers 421: the client must resend the request to the leader.
func (s *Server) writeRedirect(w http.ResponseWriter, leaderID *uint64) {
	var (
		id   uint64
		addr string
	)
	if leaderID != nil {
		id = *leaderID
		if s.opts.Topology != nil {
			addr, _ = s.opts.Topology.Addr(id)
		}
	}
	s.writeJSON(w, http.StatusMisdirectedRequest, NewRedirectResponse(id, addr))
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dberrors.ErrApply):
		s.writeJSON(w, http.StatusUnprocessableEntity, NewErrorResponse(err.Error()))
	default:
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(dberrors.ErrRetryLater.Error()))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: StatusOK, Node: s.node.Status()})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.opts.Cluster.Nodes()
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	resp := ClusterResponse{Status: StatusOK, Nodes: nodes}

	leader, ok, err := s.opts.Cluster.Leader()
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, NewErrorResponse(err.Error()))
		return
	}
	if ok {
		resp.Leader = &leader.ID
		resp.Addr = leader.Addr
	}
	s.writeJSON(w, http.StatusOK, resp)
}

var (
	errMissingKey        = errors.New("missing key")
	errMissingKeyOrValue = errors.New("missing key or value")
	errInvalidUTF8       = errors.New("key and value must be valid UTF-8")
)

// parseWrite accepts a form or a JSON body. An empty value is allowed, an absent one is not.
func parseWrite(r *http.Request) (service.WriteRequest, error) {
	var req service.WriteRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == contentTypeJSON {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return req, fmt.Errorf("read body: %w", err)
		}
		// decoder молча заменяет битые байты на U+FFFD
		if !utf8.Valid(raw) {
			return req, errInvalidUTF8
		}
		var body struct {
			Key   string  `json:"key"`
			Value *string `json:"value"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return req, fmt.Errorf("invalid JSON body: %w", err)
		}
		if body.Key == "" || body.Value == nil {
			return req, errMissingKeyOrValue
		}
		req.Key, req.Value = body.Key, *body.Value
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("failed to parse form: %w", err)
	}
	if _, ok := r.Form["value"]; !ok || r.FormValue("key") == "" {
		return req, errMissingKeyOrValue
	}
	req.Key = r.FormValue("key")
	req.Value = r.FormValue("value")
	if !utf8.ValidString(req.Key) || !utf8.ValidString(req.Value) {
		return req, errInvalidUTF8
	}
	return req, nil
}

// queryKey reads the key of GET and DELETE requests.
func queryKey(r *http.Request) (string, error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		return "", errMissingKey
	}
	if !utf8.ValidString(key) {
		return "", errInvalidUTF8
	}
	return key, nil
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	req, err := parseWrite(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	reply, err := s.svc.ClientWrite(r.Context(), req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if reply.Redirect {
		s.writeRedirect(w, reply.LeaderID)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := queryKey(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	reply, err := s.svc.ClientRead(r.Context(), service.ReadRequest{Key: key})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if reply.Redirect {
		s.writeRedirect(w, reply.LeaderID)
		return
	}
	if reply.Value == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(*reply.Value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := queryKey(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	reply, err := s.svc.ClientDelete(r.Context(), key)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if reply.Redirect {
		s.writeRedirect(w, reply.LeaderID)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
