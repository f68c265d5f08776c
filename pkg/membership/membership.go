// Package membership abstracts the gossip and failure-detection layer that
// carries the replicated membership state between peers.
//
// The state manager is the source of truth for who is in the cluster. The
// gossip layer only tells us who is reachable right now; the two views are
// reported side by side and never reconciled here.
package membership

import (
    "context"
    "time"
)

// MemberInfo describes a peer as seen by the gossip layer. Meta carries
// auxiliary data such as the management address.
type MemberInfo struct {
    ID   string            `json:"id"`
    Addr string            `json:"addr"`
    Meta map[string]string `json:"meta,omitempty"`
}

type EventType string

const (
    // EventJoin indicates a peer joined or became visible.
    EventJoin EventType = "join"
    // EventLeave indicates a peer left or stopped answering probes.
    EventLeave EventType = "leave"
    // EventUpdate indicates a peer changed its metadata.
    EventUpdate EventType = "update"
)

// Event is a translated gossip notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// StateExchange is the hook the gossip layer uses to ship the local
// membership state to peers and fold theirs back in.
type StateExchange interface {
    LocalState(ctx context.Context) ([]byte, error)
    MergeRemote(ctx context.Context, buf []byte) (changed bool, err error)
}

// Membership is the gossip layer. It discovers peers, runs the push/pull
// state exchange and disseminates state changes.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) (int, error)
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    // Broadcast queues an encoded state for dissemination to all peers.
    Broadcast(encoded []byte)
    Leave(timeout time.Duration) error
    Stop() error
}
