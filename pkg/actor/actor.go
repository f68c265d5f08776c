// Package actor mints the per-incarnation identity that tags mutations made
// by this process on the replicated membership set.
package actor

import (
    "encoding/binary"
    "encoding/hex"
    "fmt"
    "time"

    "golang.org/x/crypto/blake2b"
)

// Size is the length of an Actor in bytes.
const Size = blake2b.Size256

// Actor is an opaque, fixed-length identity for one process incarnation.
// Actors are dots in the replicated set's version history: two incarnations
// must never share one.
type Actor [Size]byte

// New derives an actor from the stable node identifier and a wall-clock
// timestamp. It is a pure function of its inputs.
func New(nodeID string, now time.Time) Actor {
    buf := make([]byte, 0, len(nodeID)+1+8)
    buf = append(buf, nodeID...)
    buf = append(buf, 0)
    buf = binary.BigEndian.AppendUint64(buf, uint64(now.UnixNano()))
    return Actor(blake2b.Sum256(buf))
}

// Generate returns a fresh actor for nodeID using the current time.
func Generate(nodeID string) Actor { return New(nodeID, time.Now()) }

// IsZero reports whether a is the zero actor.
func (a Actor) IsZero() bool { return a == Actor{} }

func (a Actor) String() string { return hex.EncodeToString(a[:]) }

// Short returns the first 8 hex characters, for logs.
func (a Actor) Short() string { return a.String()[:8] }

// Parse decodes the hex form produced by String.
func Parse(s string) (Actor, error) {
    var a Actor
    b, err := hex.DecodeString(s)
    if err != nil {
        return a, fmt.Errorf("actor: %w", err)
    }
    if len(b) != Size {
        return a, fmt.Errorf("actor: invalid length %d, want %d", len(b), Size)
    }
    copy(a[:], b)
    return a, nil
}

// FromBytes copies b into an Actor. It fails when b has the wrong length.
func FromBytes(b []byte) (Actor, error) {
    var a Actor
    if len(b) != Size {
        return a, fmt.Errorf("actor: invalid length %d, want %d", len(b), Size)
    }
    copy(a[:], b)
    return a, nil
}
