package orswot

import (
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-peerservice/pkg/actor"
    "github.com/amirimatin/go-peerservice/pkg/state"
)

var (
    actA = actor.New("a", time.Unix(1, 0))
    actB = actor.New("b", time.Unix(2, 0))
)

func add(t *testing.T, s state.MembershipState, a actor.Actor, ids ...string) *Set {
    t.Helper()
    for _, id := range ids {
        next, err := s.Add(a, id)
        require.NoError(t, err)
        s = next
    }
    return s.(*Set)
}

func merge(t *testing.T, x, y *Set) *Set {
    t.Helper()
    m, err := x.Merge(y)
    require.NoError(t, err)
    return m.(*Set)
}

func TestAdd_ValueSortedAndImmutable(t *testing.T) {
    empty := New()
    s := add(t, empty, actA, "c", "a", "b")
    require.Equal(t, []string{"a", "b", "c"}, s.Value())
    require.Empty(t, empty.Value(), "receiver must not change")
    require.True(t, s.Contains("b"))
    require.Equal(t, 3, s.Len())
    require.Equal(t, uint64(3), s.Clock()[actA])

    _, err := s.Add(actA, "")
    require.ErrorIs(t, err, ErrEmptyElement)
}

func TestRemove(t *testing.T) {
    s := add(t, New(), actA, "a", "b")
    r, err := s.Remove(actA, "a")
    require.NoError(t, err)
    require.Equal(t, []string{"b"}, r.Value())
    require.Equal(t, []string{"a", "b"}, s.Value())
}

func TestMerge_CommutativeIdempotent(t *testing.T) {
    x := add(t, New(), actA, "a", "b")
    y := add(t, New(), actB, "b", "c")

    xy := merge(t, x, y)
    yx := merge(t, y, x)
    require.Equal(t, []string{"a", "b", "c"}, xy.Value())
    require.Equal(t, xy.Value(), yx.Value())
    require.Equal(t, xy.Value(), merge(t, xy, xy).Value())
    require.Equal(t, xy.Value(), merge(t, xy, x).Value())
}

func TestMerge_ObservedRemoveWins(t *testing.T) {
    base := add(t, New(), actA, "a", "x")
    // replica B sees x and removes it
    bView := merge(t, New(), base)
    r, err := bView.Remove(actB, "x")
    require.NoError(t, err)

    got := merge(t, base, r.(*Set))
    require.Equal(t, []string{"a"}, got.Value())
}

func TestMerge_ConcurrentAddWins(t *testing.T) {
    base := add(t, New(), actA, "x")
    bView := merge(t, New(), base)
    removed, err := bView.Remove(actB, "x")
    require.NoError(t, err)
    // A re-adds x concurrently with B's remove
    readded := add(t, base, actA, "x")

    got := merge(t, readded, removed.(*Set))
    require.Equal(t, []string{"x"}, got.Value())
    require.Equal(t, got.Value(), merge(t, removed.(*Set), readded).Value())
}

func TestMerge_Incompatible(t *testing.T) {
    _, err := New().Merge(fakeState{})
    require.ErrorIs(t, err, ErrIncompatible)
}

func TestEncodeDecode(t *testing.T) {
    x := add(t, New(), actA, "a", "b")
    y := add(t, New(), actB, "c")
    s := merge(t, x, y)

    buf, err := s.Encode()
    require.NoError(t, err)
    back, err := Type{}.Decode(buf)
    require.NoError(t, err)
    require.True(t, state.Equal(s, back))
    require.Equal(t, s.Clock(), back.(*Set).Clock())

    again, err := back.Encode()
    require.NoError(t, err)
    require.Equal(t, buf, again, "encoding is deterministic")
}

func TestDecode_Garbage(t *testing.T) {
    _, err := Decode(nil)
    require.Error(t, err)
    _, err = Decode([]byte{0xc1, 0x00, 0x01})
    require.Error(t, err)
}

func TestType(t *testing.T) {
    require.Equal(t, "orswot", Type{}.Name())
    require.Empty(t, Type{}.New().Value())
}

type fakeState struct{}

func (fakeState) Value() []string                                    { return nil }
func (fakeState) Add(actor.Actor, string) (state.MembershipState, error) { return fakeState{}, nil }
func (fakeState) Encode() ([]byte, error)                            { return nil, nil }
