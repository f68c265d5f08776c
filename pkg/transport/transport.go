// Package transport defines the management RPC surface of a node. Peer to
// peer state exchange does not go through here; it rides on the gossip
// layer.
package transport

// Transport is anything bound to a local address.
type Transport interface {
    // Addr returns the local bound address.
    Addr() string
}

// Protocols supported by the management plane.
const (
    ProtoHTTP = "http"
    ProtoGRPC = "grpc"
)
