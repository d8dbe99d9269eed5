package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"raftkv/pkg/config"
	"raftkv/pkg/dberrors"

	"github.com/go-chi/chi/v5"
)

const (
	// PathPrefix is where the peer RPC router is mounted.
	PathPrefix = "/raft"

	appendEntriesPath   = "/append-entries"
	requestVotePath     = "/request-vote"
	installSnapshotPath = "/install-snapshot"
)

// HTTPNetwork sends RPCs as JSON POST requests, one attempt per call.
type HTTPNetwork struct {
	topology   *config.Topology
	httpClient *http.Client
	timeout    time.Duration
}

var _ Network = (*HTTPNetwork)(nil)

func NewHTTPNetwork(topology *config.Topology, timeout time.Duration) *HTTPNetwork {
	return &HTTPNetwork{
		topology: topology,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
	}
}

func (n *HTTPNetwork) SendAppendEntries(ctx context.Context, to uint64, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	return call[AppendEntriesReply](ctx, n, to, appendEntriesPath, req)
}

func (n *HTTPNetwork) SendVoteRequest(ctx context.Context, to uint64, req *VoteRequest) (*VoteReply, error) {
	return call[VoteReply](ctx, n, to, requestVotePath, req)
}

func (n *HTTPNetwork) SendInstallSnapshot(ctx context.Context, to uint64, req *InstallSnapshotRequest) (*InstallSnapshotReply, error) {
	return call[InstallSnapshotReply](ctx, n, to, installSnapshotPath, req)
}

func call[Resp any](ctx context.Context, n *HTTPNetwork, to uint64, path string, req any) (*Resp, error) {
	addr, ok := n.topology.Addr(to)
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer node %d", dberrors.ErrTransport, to)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+PathPrefix+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", dberrors.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: send to %d: %v", dberrors.ErrTransport, to, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: peer %d", dberrors.ErrNoReply, to)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: peer %d: unexpected status %d: %s",
			dberrors.ErrTransport, to, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out Resp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode reply from %d: %v", dberrors.ErrTransport, to, err)
	}
	return &out, nil
}

// NewHandler returns the peer RPC router; mount it under PathPrefix.
func NewHandler(h Handler) http.Handler {
	r := chi.NewRouter()
	r.Post(appendEntriesPath, serve(h.HandleAppendEntries))
	r.Post(requestVotePath, serve(h.HandleVoteRequest))
	r.Post(installSnapshotPath, serve(h.HandleInstallSnapshot))
	return r
}

func serve[Req, Resp any](fn func(context.Context, *Req) (*Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		reply, err := fn(r.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, dberrors.ErrNoReply):
				status = http.StatusGatewayTimeout
			case errors.Is(err, dberrors.ErrStopped):
				status = http.StatusServiceUnavailable
			}
			slog.Debug("raft rpc failed", "path", r.URL.Path, "status", status, "error", err)
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reply); err != nil {
			slog.Error("failed to write raft rpc reply", "path", r.URL.Path, "error", err)
		}
	}
}
