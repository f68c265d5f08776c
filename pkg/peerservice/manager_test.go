package peerservice

import (
    "context"
    "errors"
    "os"
    "path/filepath"
    "sync"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-peerservice/pkg/actor"
    "github.com/amirimatin/go-peerservice/pkg/cache"
    "github.com/amirimatin/go-peerservice/pkg/state"
    "github.com/amirimatin/go-peerservice/pkg/state/orswot"
    "github.com/amirimatin/go-peerservice/pkg/store"
)

var quiet = zerolog.Nop()

func newManager(t *testing.T, st store.Store, reg *cache.Registry) *Manager {
    t.Helper()
    m, err := New(Options{NodeID: "A", Store: st, Type: orswot.Type{}, Registry: reg, Logger: &quiet})
    require.NoError(t, err)
    return m
}

func startManager(t *testing.T, st store.Store, reg *cache.Registry) *Manager {
    t.Helper()
    m := newManager(t, st, reg)
    require.NoError(t, m.Start(context.Background()))
    t.Cleanup(func() { _ = m.Stop(context.Background()) })
    return m
}

// withMembers builds a state holding ids, each added under a peer actor.
func withMembers(t *testing.T, ids ...string) state.MembershipState {
    t.Helper()
    a := actor.New("peer", time.Unix(100, 0))
    var s state.MembershipState = orswot.New()
    for _, id := range ids {
        next, err := s.Add(a, id)
        require.NoError(t, err)
        s = next
    }
    return s
}

func TestNew_Validate(t *testing.T) {
    _, err := New(Options{Store: store.New(""), Type: orswot.Type{}})
    require.Error(t, err)
    _, err = New(Options{NodeID: "A", Type: orswot.Type{}})
    require.Error(t, err)
    _, err = New(Options{NodeID: "A", Store: store.New("")})
    require.Error(t, err)
    _, err = New(Options{NodeID: "A", Store: store.New(""), Type: orswot.Type{}, MailboxSize: -1})
    require.Error(t, err)
}

func TestFreshNode_NoDataRoot(t *testing.T) {
    ctx := context.Background()
    m := startManager(t, store.New(""), nil)

    a, err := m.Actor(ctx)
    require.NoError(t, err)
    require.False(t, a.IsZero())

    members, err := m.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A"}, members)
    require.Empty(t, m.StorePath())
    require.Equal(t, "A", m.NodeID())
}

func TestDataRoot_NoFile_PersistsSelf(t *testing.T) {
    ctx := context.Background()
    st := store.New(t.TempDir())
    m := startManager(t, st, nil)

    members, err := m.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A"}, members)

    onDisk, err := st.Load(orswot.Type{})
    require.NoError(t, err)
    require.Equal(t, []string{"A"}, onDisk.Value())
    require.Equal(t, st.Path(), m.StorePath())
}

func TestDataRoot_ExistingFile_NoLocalAdd(t *testing.T) {
    ctx := context.Background()
    st := store.New(t.TempDir())
    prior := withMembers(t, "A", "B")
    require.NoError(t, st.Save(prior))
    before, err := os.ReadFile(st.Path())
    require.NoError(t, err)

    m := startManager(t, st, nil)
    members, err := m.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B"}, members)

    local, err := m.LocalState(ctx)
    require.NoError(t, err)
    enc, err := local.Encode()
    require.NoError(t, err)
    require.Equal(t, before, enc, "loaded state is committed unchanged")

    after, err := os.ReadFile(st.Path())
    require.NoError(t, err)
    require.Equal(t, before, after)
}

func TestDataRoot_LoadedStateWithoutSelf(t *testing.T) {
    st := store.New(t.TempDir())
    require.NoError(t, st.Save(withMembers(t, "B")))
    m := startManager(t, st, nil)
    members, err := m.Members(context.Background())
    require.NoError(t, err)
    require.Equal(t, []string{"B"}, members, "self is not re-added to a loaded state")
}

func TestUpdateState_LastWriteWins(t *testing.T) {
    ctx := context.Background()
    m := startManager(t, store.New(t.TempDir()), nil)

    seq := []state.MembershipState{
        withMembers(t, "A", "B"),
        withMembers(t, "A", "B", "C"),
        withMembers(t, "C"),
    }
    for _, s := range seq {
        require.NoError(t, m.UpdateState(ctx, s))
    }
    got, err := m.LocalState(ctx)
    require.NoError(t, err)
    require.Same(t, seq[len(seq)-1].(*orswot.Set), got.(*orswot.Set))

    members, err := m.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"C"}, members, "no merge with earlier states")
}

func TestPersistence_SurvivesRestart(t *testing.T) {
    ctx := context.Background()
    root := t.TempDir()

    m1 := newManager(t, store.New(root), nil)
    require.NoError(t, m1.Start(ctx))
    a1, err := m1.Actor(ctx)
    require.NoError(t, err)
    require.NoError(t, m1.UpdateState(ctx, withMembers(t, "A", "B", "C")))
    require.NoError(t, m1.Stop(ctx))

    m2 := startManager(t, store.New(root), nil)
    members, err := m2.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B", "C"}, members)

    a2, err := m2.Actor(ctx)
    require.NoError(t, err)
    require.NotEqual(t, a1, a2, "every incarnation mints a new actor")
}

func TestDeleteState_KeepsCacheAndRestartIsFresh(t *testing.T) {
    ctx := context.Background()
    root := t.TempDir()
    st := store.New(root)

    m1 := newManager(t, st, nil)
    require.NoError(t, m1.Start(ctx))
    require.NoError(t, m1.UpdateState(ctx, withMembers(t, "A", "B", "C")))
    require.NoError(t, m1.DeleteState(ctx))

    _, err := os.Stat(st.Path())
    require.True(t, os.IsNotExist(err), "file removed")

    // the running process keeps reporting the last committed set
    members, err := m1.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B", "C"}, members)
    require.NoError(t, m1.DeleteState(ctx), "deleting twice is fine")
    require.NoError(t, m1.Stop(ctx))

    m2 := startManager(t, store.New(root), nil)
    members, err = m2.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A"}, members)
}

func TestStart_Idempotent(t *testing.T) {
    ctx := context.Background()
    m := startManager(t, store.New(""), nil)
    require.NoError(t, m.UpdateState(ctx, withMembers(t, "A", "B")))
    require.NoError(t, m.Start(ctx))
    members, err := m.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B"}, members)
}

func TestStart_TwiceInSameRuntime_MemoryOnly(t *testing.T) {
    ctx := context.Background()
    reg := cache.NewRegistry()
    m1 := startManager(t, store.New(""), reg)
    require.NoError(t, m1.UpdateState(ctx, withMembers(t, "A", "B")))
    a1, err := m1.Actor(ctx)
    require.NoError(t, err)
    require.NoError(t, m1.Stop(ctx))

    m2 := startManager(t, store.New(""), reg)
    members, err := m2.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B"}, members, "cached state is adopted")
    a2, err := m2.Actor(ctx)
    require.NoError(t, err)
    require.NotEqual(t, a1, a2)
}

func TestStart_TwiceInSameRuntime_WithStore(t *testing.T) {
    ctx := context.Background()
    reg := cache.NewRegistry()
    root := t.TempDir()
    m1 := startManager(t, store.New(root), reg)
    require.NoError(t, m1.UpdateState(ctx, withMembers(t, "A", "B", "C")))
    require.NoError(t, m1.Stop(ctx))

    m2 := startManager(t, store.New(root), reg)
    members, err := m2.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B", "C"}, members)
}

func TestCall_BeforeStartAndAfterStop(t *testing.T) {
    ctx := context.Background()
    m := newManager(t, store.New(""), nil)
    _, err := m.Members(ctx)
    require.ErrorIs(t, err, ErrNotInitialized)
    _, err = m.Actor(ctx)
    require.ErrorIs(t, err, ErrNotInitialized)

    require.NoError(t, m.Start(ctx))
    require.NoError(t, m.Stop(ctx))
    require.NoError(t, m.Stop(ctx))
    _, err = m.Members(ctx)
    require.ErrorIs(t, err, ErrStopped)
    require.ErrorIs(t, m.Start(ctx), ErrStopped)
}

func TestCall_UnrecognizedIsAcknowledged(t *testing.T) {
    ctx := context.Background()
    m := startManager(t, store.New(""), nil)
    resp, err := m.Call(ctx, Request{Op: "reticulate_splines"})
    require.NoError(t, err)
    require.True(t, resp.Ack)
    require.True(t, resp.Unrecognized)

    members, err := m.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A"}, members, "worker keeps serving")
}

func TestUpdateState_Nil(t *testing.T) {
    ctx := context.Background()
    m := startManager(t, store.New(""), nil)
    require.ErrorIs(t, m.UpdateState(ctx, nil), ErrNilState)
    _, err := m.Call(ctx, Request{Op: OpUpdateState})
    require.ErrorIs(t, err, ErrNilState)
}

func TestCall_CanceledContext(t *testing.T) {
    ctx := context.Background()
    fs := &faultyStore{Store: store.New(t.TempDir())}
    m := startManager(t, fs, nil)

    gate, entered := fs.block()
    ab := withMembers(t, "A", "B")
    first := make(chan error, 1)
    go func() { first <- m.UpdateState(ctx, ab) }()
    <-entered

    // The worker is parked inside Save, so this request can only queue.
    wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
    defer cancel()
    err := m.UpdateState(wctx, withMembers(t, "A", "B", "C"))
    require.ErrorIs(t, err, context.DeadlineExceeded)

    close(gate)
    require.NoError(t, <-first)
    require.Eventually(t, func() bool {
        members, err := m.Members(ctx)
        return err == nil && len(members) == 3
    }, 2*time.Second, 10*time.Millisecond, "abandoned request still runs in order")

    loaded, err := fs.Load(orswot.Type{})
    require.NoError(t, err)
    require.Equal(t, []string{"A", "B", "C"}, loaded.Value())
}

func TestStart_DecodeFault(t *testing.T) {
    root := t.TempDir()
    st := store.New(root)
    require.NoError(t, os.MkdirAll(filepath.Dir(st.Path()), 0o755))
    require.NoError(t, os.WriteFile(st.Path(), []byte("not msgpack"), 0o644))

    var faults []error
    m, err := New(Options{NodeID: "A", Store: st, Type: orswot.Type{}, Logger: &quiet,
        OnStorageFault: func(err error) { faults = append(faults, err) }})
    require.NoError(t, err)

    err = m.Start(context.Background())
    var se *store.Error
    require.True(t, errors.As(err, &se))
    require.Equal(t, "decode", se.Op)
    require.Len(t, faults, 1)

    _, err = m.Members(context.Background())
    require.ErrorIs(t, err, ErrNotInitialized)
}

// faultyStore wraps a real store and fails on demand.
type faultyStore struct {
    store.Store
    mu        sync.Mutex
    failSave  bool
    failErase bool
    gate      chan struct{}
    entered   chan struct{}
}

var errDisk = errors.New("disk on fire")

// block makes every later Save wait until gate is closed. entered
// receives once a Save is parked.
func (f *faultyStore) block() (gate chan struct{}, entered chan struct{}) {
    f.mu.Lock(); defer f.mu.Unlock()
    f.gate, f.entered = make(chan struct{}), make(chan struct{}, 1)
    return f.gate, f.entered
}

func (f *faultyStore) Save(s state.MembershipState) error {
    f.mu.Lock()
    gate, entered, fail := f.gate, f.entered, f.failSave
    f.mu.Unlock()
    if gate != nil {
        select {
        case entered <- struct{}{}:
        default:
        }
        <-gate
    }
    if fail { return &store.Error{Op: "write", Path: f.Path(), Err: errDisk} }
    return f.Store.Save(s)
}

func (f *faultyStore) Erase() error {
    f.mu.Lock(); defer f.mu.Unlock()
    if f.failErase { return &store.Error{Op: "remove", Path: f.Path(), Err: errDisk} }
    return f.Store.Erase()
}

func TestUpdateState_StorageFaultLeavesCache(t *testing.T) {
    ctx := context.Background()
    fs := &faultyStore{Store: store.New(t.TempDir())}
    faults := make(chan error, 1)
    m, err := New(Options{NodeID: "A", Store: fs, Type: orswot.Type{}, Logger: &quiet,
        OnStorageFault: func(err error) { faults <- err }})
    require.NoError(t, err)
    require.NoError(t, m.Start(ctx))
    defer m.Stop(ctx)

    fs.mu.Lock(); fs.failSave = true; fs.mu.Unlock()
    err = m.UpdateState(ctx, withMembers(t, "A", "B"))
    require.ErrorIs(t, err, errDisk)
    require.ErrorIs(t, <-faults, errDisk)

    members, err := m.Members(ctx)
    require.NoError(t, err)
    require.Equal(t, []string{"A"}, members, "cache is only written after the store")
}

func TestDeleteState_FaultReportedAsSuccess(t *testing.T) {
    ctx := context.Background()
    fs := &faultyStore{Store: store.New(t.TempDir()), failErase: true}
    m := startManager(t, fs, nil)
    require.NoError(t, m.DeleteState(ctx))
    _, err := os.Stat(fs.Path())
    require.NoError(t, err, "file is still there")
}

func TestConcurrentCallers(t *testing.T) {
    ctx := context.Background()
    m := startManager(t, store.New(t.TempDir()), nil)
    candidates := []state.MembershipState{
        withMembers(t, "A", "B"),
        withMembers(t, "A", "C"),
        withMembers(t, "A", "D"),
    }
    var wg sync.WaitGroup
    for i := 0; i < 30; i++ {
        wg.Add(2)
        s := candidates[i%len(candidates)]
        go func() { defer wg.Done(); assert.NoError(t, m.UpdateState(ctx, s)) }()
        go func() {
            defer wg.Done()
            members, err := m.Members(ctx)
            assert.NoError(t, err)
            assert.Contains(t, members, "A")
        }()
    }
    wg.Wait()

    got, err := m.LocalState(ctx)
    require.NoError(t, err)
    matched := false
    for _, c := range candidates {
        if state.Equal(c, got) { matched = true }
    }
    require.True(t, matched)
}

func TestMigrate_NoOp(t *testing.T) {
    m := newManager(t, store.New(""), nil)
    require.NoError(t, m.Migrate("0.1.0", "0.2.0"))
}
