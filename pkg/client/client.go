package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"raftkv/pkg/config"
	"raftkv/pkg/dberrors"
)

const (
	kvPath = "/api/v1/kv"

	defaultMaxAttempts = 5
	defaultBackoff     = 50 * time.Millisecond
	defaultTimeout     = 3 * time.Second
)

type Options struct {
	// MaxAttempts bounds the number of requests per call, redirects included.
	MaxAttempts int
	Backoff     time.Duration
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

// Client talks to a raftkv cluster and follows leader-forward replies.
type Client struct {
	topology *config.Topology
	http     *http.Client
	opts     Options

	mu     sync.Mutex
	leader uint64
	next   int
}

type reply struct {
	Status     string `json:"status"`
	Value      string `json:"value"`
	LeaderID   uint64 `json:"leader_id"`
	LeaderAddr string `json:"leader_addr"`
	Error      string `json:"error"`
}

func New(topology *config.Topology, opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{
		topology: topology,
		http: &http.Client{
			Timeout: opts.Timeout,
			// 421 обрабатываем сами, редиректы HTTP не следуем
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opts: opts,
	}
}

func (c *Client) Put(ctx context.Context, key, value string) error {
	body, err := json.Marshal(map[string]string{"key": key, "value": value})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, kvPath, body)
	return err
}

// Get returns found=false when the key does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	r, err := c.do(ctx, http.MethodGet, kvPath+"?key="+url.QueryEscape(key), nil)
	if errors.Is(err, dberrors.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return r.Value, true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodDelete, kvPath+"?key="+url.QueryEscape(key), nil)
	return err
}

// Leader returns the last leader the client was pointed at, 0 if none yet.
func (c *Client) Leader() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (reply, error) {
	var (
		lastErr error
		wait    bool
	)
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if wait {
			select {
			case <-time.After(c.opts.Backoff):
			case <-ctx.Done():
				return reply{}, ctx.Err()
			}
		}
		wait = true

		target := c.target()
		addr, _ := c.topology.Addr(target)

		r, status, err := c.send(ctx, method, strings.TrimRight(addr, "/")+path, body)
		if err != nil {
			slog.Debug("client: request failed", "node", target, "error", err)
			lastErr = err
			c.rotate(target)
			continue
		}

		switch status {
		case http.StatusOK:
			c.setLeader(target)
			return r, nil
		case http.StatusNotFound:
			c.setLeader(target)
			return r, dberrors.ErrNotFound
		case http.StatusMisdirectedRequest:
			lastErr = &dberrors.NotLeaderError{LeaderID: r.LeaderID}
			if r.LeaderID != 0 && r.LeaderID != target && c.topology.Contains(r.LeaderID) {
				c.setLeader(r.LeaderID)
				// к известному лидеру идём сразу
				wait = false
				continue
			}
			c.rotate(target)
		case http.StatusUnprocessableEntity:
			return r, fmt.Errorf("%w: %s", dberrors.ErrApply, r.Error)
		case http.StatusServiceUnavailable:
			lastErr = dberrors.ErrRetryLater
			c.rotate(target)
		case http.StatusBadRequest:
			return r, fmt.Errorf("bad request: %s", r.Error)
		default:
			lastErr = fmt.Errorf("unexpected status %d: %s", status, r.Error)
			c.rotate(target)
		}
	}
	return reply{}, fmt.Errorf("%w: gave up after %d attempts: %v", dberrors.ErrRetryLater, c.opts.MaxAttempts, lastErr)
}

func (c *Client) send(ctx context.Context, method, u string, body []byte) (reply, int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return reply{}, 0, fmt.Errorf("create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return reply{}, 0, fmt.Errorf("%s do: %w", method, err)
	}
	defer resp.Body.Close()

	var r reply
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{}, 0, fmt.Errorf("%s read body: %w", method, err)
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &r); err != nil {
			r.Error = string(b)
		}
	}
	return r, resp.StatusCode, nil
}

// target is the known leader, otherwise the next node round robin.
func (c *Client) target() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader != 0 {
		return c.leader
	}
	members := c.topology.Members()
	return members[c.next%len(members)]
}

func (c *Client) setLeader(id uint64) {
	c.mu.Lock()
	c.leader = id
	c.mu.Unlock()
}

// rotate forgets a leader that failed and moves to the next node.
func (c *Client) rotate(failed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader == failed {
		c.leader = 0
	}
	members := c.topology.Members()
	for i, id := range members {
		if id == failed {
			c.next = i + 1
			return
		}
	}
	c.next++
}
