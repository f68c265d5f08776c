package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on cluster types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// MembersResponse lists the replicated member set next to the peers the
// gossip layer currently reaches.
type MembersResponse struct {
    Members     []string `json:"members"`
    GossipPeers []string `json:"gossipPeers,omitempty"`
    Error       string   `json:"error,omitempty"`
}

// MembersFunc handles member listing.
type MembersFunc func(ctx context.Context) (MembersResponse, error)

// LeaveRequest asks the receiving node to leave the cluster.
type LeaveRequest struct {
    Reason string `json:"reason,omitempty"`
}

// LeaveResponse indicates whether the leave was carried out.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles leave requests.
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// CallRequest is a raw state manager request. State is only read for
// update_state and holds the encoded set.
type CallRequest struct {
    Op    string `json:"op"`
    State []byte `json:"state,omitempty"`
}

// CallResponse mirrors the state manager response.
type CallResponse struct {
    Members      []string `json:"members,omitempty"`
    State        []byte   `json:"state,omitempty"`
    Actor        string   `json:"actor,omitempty"`
    Ack          bool     `json:"ack,omitempty"`
    Unrecognized bool     `json:"unrecognized,omitempty"`
    Error        string   `json:"error,omitempty"`
}

// CallFunc handles raw state manager requests.
type CallFunc func(ctx context.Context, req CallRequest) (CallResponse, error)

// Handlers groups the functions an RPCServer dispatches to. Nil handlers
// are reported as unsupported.
type Handlers struct {
    Status  StatusFunc
    Members MembersFunc
    Leave   LeaveFunc
    Call    CallFunc
}

// RPCServer exposes the management endpoints (status, members, leave, call)
// used by operators and peerctl.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against a node using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetMembers(ctx context.Context, addr string) (MembersResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
    PostCall(ctx context.Context, addr string, req CallRequest) (CallResponse, error)
}
