package http

import "raftkv/pkg/raftadapter"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusRedirect means the node is not the leader; retry against LeaderAddr.
	StatusRedirect Status = "redirect"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status     Status  `json:"status,omitempty"`
	Value      *string `json:"value,omitempty"`
	LeaderID   uint64  `json:"leader_id,omitempty"`
	LeaderAddr string  `json:"leader_addr,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// HealthResponse is served by /health.
type HealthResponse struct {
	Status Status             `json:"status"`
	Node   raftadapter.Status `json:"node"`
}

// ClusterResponse is served by /cluster when ZooKeeper is configured.
type ClusterResponse struct {
	Status Status   `json:"status"`
	Nodes  []uint64 `json:"nodes"`
	Leader *uint64  `json:"leader,omitempty"`
	Addr   string   `json:"leader_addr,omitempty"`
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: &value}
}

func NewRedirectResponse(leaderID uint64, leaderAddr string) Response {
	return Response{Status: StatusRedirect, LeaderID: leaderID, LeaderAddr: leaderAddr, Error: "not leader"}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
