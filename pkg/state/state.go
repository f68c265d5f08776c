// Package state defines the replicated-set capability the membership
// manager depends on. The manager never inspects set internals; it only
// materializes, encodes and performs the local self-add through these
// interfaces.
package state

import "github.com/amirimatin/go-peerservice/pkg/actor"

// MembershipState is a conflict-free replicated set of node identifiers.
// Values are immutable: mutators return a new value and leave the receiver
// untouched, so a state handed out by the manager can be shared freely.
type MembershipState interface {
    // Value returns the materialized, sorted set of node ids.
    Value() []string
    // Add returns a copy of the state with nodeID added under actor a.
    Add(a actor.Actor, nodeID string) (MembershipState, error)
    // Encode serializes the full state.
    Encode() ([]byte, error)
}

// Replicated extends MembershipState with the operations used by the gossip
// collaborator. The manager itself never calls them.
type Replicated interface {
    MembershipState
    // Merge returns the join of the receiver and other.
    Merge(other MembershipState) (MembershipState, error)
    // Remove returns a copy with nodeID removed, observing only the adds
    // this replica has seen.
    Remove(a actor.Actor, nodeID string) (MembershipState, error)
}

// Type constructs and decodes values of one concrete set implementation.
type Type interface {
    // Name identifies the implementation in logs.
    Name() string
    New() MembershipState
    Decode(buf []byte) (MembershipState, error)
}

// Equal reports whether two states materialize to the same member set.
func Equal(a, b MembershipState) bool {
    if a == nil || b == nil { return a == nil && b == nil }
    va, vb := a.Value(), b.Value()
    if len(va) != len(vb) { return false }
    for i := range va {
        if va[i] != vb[i] { return false }
    }
    return true
}
