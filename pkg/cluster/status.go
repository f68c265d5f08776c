package cluster

import (
    "github.com/amirimatin/go-peerservice/pkg/membership"
)

// Status is a JSON-serializable snapshot of this node for the management
// /status endpoint and tooling.
type Status struct {
    NodeID string `json:"nodeId"`
    // Actor is the hex actor of the current incarnation.
    Actor string `json:"actor"`
    // Members is the replicated member set held by the state manager.
    Members []string `json:"members"`
    // GossipPeers is the live view of the gossip layer.
    GossipPeers []membership.MemberInfo `json:"gossipPeers"`
    // StatePath is the state file, empty in memory-only mode.
    StatePath   string `json:"statePath,omitempty"`
    // Management is the bound management endpoint, if any.
    Management  string `json:"management,omitempty"`
    HealthScore int    `json:"healthScore"`
    Left        bool   `json:"left,omitempty"`
    // Warnings contains non-fatal observations such as members that are
    // not reachable through gossip.
    Warnings []string `json:"warnings,omitempty"`
}
