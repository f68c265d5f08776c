package gossip

import (
    "context"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-peerservice/pkg/actor"
    "github.com/amirimatin/go-peerservice/pkg/peerservice"
    "github.com/amirimatin/go-peerservice/pkg/state/orswot"
    "github.com/amirimatin/go-peerservice/pkg/store"
)

var quiet = zerolog.Nop()

func startNode(t *testing.T, id, root string) (*peerservice.Manager, *Exchanger, *[][]byte) {
    t.Helper()
    m, err := peerservice.New(peerservice.Options{NodeID: id, Store: store.New(root), Type: orswot.Type{}, Logger: &quiet})
    require.NoError(t, err)
    require.NoError(t, m.Start(context.Background()))
    t.Cleanup(func() { _ = m.Stop(context.Background()) })

    var sent [][]byte
    ex, err := New(Options{Manager: m, Type: orswot.Type{}, Logger: &quiet, OnChange: func(b []byte) { sent = append(sent, b) }})
    require.NoError(t, err)
    return m, ex, &sent
}

func exchange(t *testing.T, from, to *Exchanger) bool {
    t.Helper()
    buf, err := from.LocalState(context.Background())
    require.NoError(t, err)
    changed, err := to.MergeRemote(context.Background(), buf)
    require.NoError(t, err)
    return changed
}

func TestNew_Validate(t *testing.T) {
    _, err := New(Options{Type: orswot.Type{}})
    require.Error(t, err)
    m, err := peerservice.New(peerservice.Options{NodeID: "A", Store: store.New(""), Type: orswot.Type{}})
    require.NoError(t, err)
    _, err = New(Options{Manager: m})
    require.Error(t, err)
}

func TestExchange_Converges(t *testing.T) {
    ctx := context.Background()
    ma, exA, sentA := startNode(t, "A", "")
    mb, exB, sentB := startNode(t, "B", t.TempDir())

    require.True(t, exchange(t, exA, exB))
    require.True(t, exchange(t, exB, exA))
    require.False(t, exchange(t, exA, exB), "already converged")
    require.Len(t, *sentA, 1)
    require.Len(t, *sentB, 1)

    for _, m := range []*peerservice.Manager{ma, mb} {
        members, err := m.Members(ctx)
        require.NoError(t, err)
        require.Equal(t, []string{"A", "B"}, members)
    }
}

func TestMergeRemote_PersistsThroughManager(t *testing.T) {
    _, exA, _ := startNode(t, "A", "")
    root := t.TempDir()
    _, exB, _ := startNode(t, "B", root)
    require.True(t, exchange(t, exA, exB))

    onDisk, err := store.New(root).Load(orswot.Type{})
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B"}, onDisk.Value())
}

func TestLeave_RemovalPropagates(t *testing.T) {
    ctx := context.Background()
    ma, exA, _ := startNode(t, "A", "")
    mb, exB, sentB := startNode(t, "B", "")
    exchange(t, exA, exB)
    exchange(t, exB, exA)

    require.NoError(t, exB.Leave(ctx, "B"))
    require.NotEmpty(t, *sentB)
    members, err := mb.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A"}, members)

    require.True(t, exchange(t, exB, exA))
    members, err = ma.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A"}, members)
}

func TestMergeRemote_Garbage(t *testing.T) {
    _, exA, _ := startNode(t, "A", "")
    _, err := exA.MergeRemote(context.Background(), []byte{0xc1})
    require.Error(t, err)
}

func TestSetOnChange(t *testing.T) {
    _, exA, _ := startNode(t, "A", "")
    _, exB, _ := startNode(t, "B", "")
    got := 0
    exB.SetOnChange(func([]byte) { got++ })
    exchange(t, exA, exB)
    require.Equal(t, 1, got)
}

func TestReplace_CommitsAndBroadcasts(t *testing.T) {
    ctx := context.Background()
    mA, exA, sent := startNode(t, "A", t.TempDir())
    s, err := orswot.New().Add(actor.New("operator", time.Unix(1, 0)), "Z")
    require.NoError(t, err)

    require.NoError(t, exA.Replace(ctx, s))
    members, err := mA.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"Z"}, members, "replace is last-write-wins")
    require.Len(t, *sent, 1)
    got, err := orswot.Decode((*sent)[0])
    require.NoError(t, err)
    require.Equal(t, []string{"Z"}, got.Value())

    require.Error(t, exA.Replace(ctx, nil))
    require.Len(t, *sent, 1)
}
