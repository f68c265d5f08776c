// Package orswot implements an observed-remove set without tombstones
// (add-wins semantics) over node identifiers. It is the reference
// implementation of state.Replicated used by the node runtime.
//
// Each element carries the dots (actor, counter) of the adds that produced
// it, and the set carries a version vector of every dot it has seen. A dot
// missing from one side of a merge is treated as removed when that side's
// clock covers it, and as not yet seen otherwise.
package orswot

import (
    "bytes"
    "errors"
    "fmt"
    "sort"

    "github.com/vmihailenco/msgpack/v5"

    "github.com/amirimatin/go-peerservice/pkg/actor"
    "github.com/amirimatin/go-peerservice/pkg/state"
)

var (
    ErrEmptyElement = errors.New("orswot: empty element")
    ErrIncompatible = errors.New("orswot: incompatible state type")
)

type dots map[actor.Actor]uint64

// Set is an immutable ORSWOT value. The zero value is not usable; call New.
type Set struct {
    clock   dots
    entries map[string]dots
}

// New returns an empty set.
func New() *Set { return &Set{clock: dots{}, entries: map[string]dots{}} }

func (s *Set) clone() *Set {
    out := &Set{clock: make(dots, len(s.clock)), entries: make(map[string]dots, len(s.entries))}
    for a, c := range s.clock { out.clock[a] = c }
    for e, ds := range s.entries {
        cp := make(dots, len(ds))
        for a, c := range ds { cp[a] = c }
        out.entries[e] = cp
    }
    return out
}

// Value returns the sorted member set.
func (s *Set) Value() []string {
    out := make([]string, 0, len(s.entries))
    for e := range s.entries { out = append(out, e) }
    sort.Strings(out)
    return out
}

// Contains reports whether nodeID is a member.
func (s *Set) Contains(nodeID string) bool {
    _, ok := s.entries[nodeID]
    return ok
}

// Len returns the number of members.
func (s *Set) Len() int { return len(s.entries) }

// Clock returns a copy of the set's version vector.
func (s *Set) Clock() map[actor.Actor]uint64 {
    out := make(map[actor.Actor]uint64, len(s.clock))
    for a, c := range s.clock { out[a] = c }
    return out
}

// Add records a new dot for a and makes it the only dot of nodeID. Any
// previous dots of the element are observed, and therefore superseded.
func (s *Set) Add(a actor.Actor, nodeID string) (state.MembershipState, error) {
    if nodeID == "" { return nil, ErrEmptyElement }
    out := s.clone()
    c := out.clock[a] + 1
    out.clock[a] = c
    out.entries[nodeID] = dots{a: c}
    return out, nil
}

// Remove drops nodeID with the context of this replica. Concurrent adds not
// yet observed here survive a later merge.
func (s *Set) Remove(_ actor.Actor, nodeID string) (state.MembershipState, error) {
    if nodeID == "" { return nil, ErrEmptyElement }
    out := s.clone()
    delete(out.entries, nodeID)
    return out, nil
}

// Merge returns the least upper bound of s and other.
func (s *Set) Merge(other state.MembershipState) (state.MembershipState, error) {
    o, ok := other.(*Set)
    if !ok { return nil, fmt.Errorf("%w: %T", ErrIncompatible, other) }
    out := &Set{clock: make(dots, len(s.clock)), entries: make(map[string]dots)}
    for a, c := range s.clock { out.clock[a] = c }
    for a, c := range o.clock {
        if c > out.clock[a] { out.clock[a] = c }
    }
    for e, mine := range s.entries {
        if ds := mergeDots(mine, o.entries[e], s.clock, o.clock); len(ds) > 0 {
            out.entries[e] = ds
        }
    }
    for e, theirs := range o.entries {
        if _, done := s.entries[e]; done { continue }
        if ds := mergeDots(nil, theirs, s.clock, o.clock); len(ds) > 0 {
            out.entries[e] = ds
        }
    }
    return out, nil
}

// mergeDots keeps dots present on both sides, plus dots only one side has
// that the other side's clock has not seen yet.
func mergeDots(left, right, leftClock, rightClock dots) dots {
    out := dots{}
    for a, c := range left {
        if rc, ok := right[a]; ok && rc == c {
            out[a] = c
            continue
        }
        if c > rightClock[a] { out[a] = c }
    }
    for a, c := range right {
        if lc, ok := left[a]; ok && lc == c { continue }
        if c > leftClock[a] { out[a] = c }
    }
    return out
}

type wireDot struct {
    Actor   []byte `msgpack:"a"`
    Counter uint64 `msgpack:"c"`
}

type wireEntry struct {
    Element string    `msgpack:"e"`
    Dots    []wireDot `msgpack:"d"`
}

type wireSet struct {
    Clock   []wireDot   `msgpack:"clock"`
    Entries []wireEntry `msgpack:"entries"`
}

func (ds dots) wire() []wireDot {
    out := make([]wireDot, 0, len(ds))
    for a, c := range ds {
        a := a
        out = append(out, wireDot{Actor: a[:], Counter: c})
    }
    sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Actor, out[j].Actor) < 0 })
    return out
}

func fromWire(in []wireDot) (dots, error) {
    out := make(dots, len(in))
    for _, d := range in {
        a, err := actor.FromBytes(d.Actor)
        if err != nil { return nil, err }
        out[a] = d.Counter
    }
    return out, nil
}

// Encode serializes the set as msgpack. The output is deterministic for a
// given value.
func (s *Set) Encode() ([]byte, error) {
    w := wireSet{Clock: s.clock.wire(), Entries: make([]wireEntry, 0, len(s.entries))}
    for _, e := range s.Value() {
        w.Entries = append(w.Entries, wireEntry{Element: e, Dots: s.entries[e].wire()})
    }
    var buf bytes.Buffer
    enc := msgpack.NewEncoder(&buf)
    if err := enc.Encode(&w); err != nil { return nil, err }
    return buf.Bytes(), nil
}

// Decode parses the output of Encode.
func Decode(buf []byte) (*Set, error) {
    var w wireSet
    if err := msgpack.NewDecoder(bytes.NewReader(buf)).Decode(&w); err != nil {
        return nil, fmt.Errorf("orswot: decode: %w", err)
    }
    clock, err := fromWire(w.Clock)
    if err != nil { return nil, fmt.Errorf("orswot: decode clock: %w", err) }
    s := &Set{clock: clock, entries: make(map[string]dots, len(w.Entries))}
    for _, e := range w.Entries {
        if e.Element == "" { return nil, fmt.Errorf("orswot: decode: %w", ErrEmptyElement) }
        ds, err := fromWire(e.Dots)
        if err != nil { return nil, fmt.Errorf("orswot: decode element %q: %w", e.Element, err) }
        if len(ds) == 0 { continue }
        s.entries[e.Element] = ds
    }
    return s, nil
}

// Type is the state.Type for ORSWOT values.
type Type struct{}

func (Type) Name() string                 { return "orswot" }
func (Type) New() state.MembershipState   { return New() }
func (Type) Decode(buf []byte) (state.MembershipState, error) {
    s, err := Decode(buf)
    if err != nil { return nil, err }
    return s, nil
}

// Ensure interface satisfaction at compile-time.
var (
    _ state.Replicated = (*Set)(nil)
    _ state.Type       = Type{}
)
