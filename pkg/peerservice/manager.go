// Package peerservice is the authoritative local holder of this node's view
// of cluster membership.
//
// A Manager owns the in-memory cache table and the persisted state file.
// Every operation is a request handled to completion by a single worker
// goroutine in arrival order, so the cache and the store are never touched
// concurrently. Writes go to the store first and to the cache second
// (write-through): the cache never holds a value that is not yet durable.
//
// UpdateState is last-write-wins. The manager does not merge: callers such
// as the gossip layer must combine the new state with the current one
// before committing it.
package peerservice

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "time"

    "github.com/rs/zerolog"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-peerservice/pkg/actor"
    "github.com/amirimatin/go-peerservice/pkg/cache"
    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-peerservice/pkg/observability/metrics"
    "github.com/amirimatin/go-peerservice/pkg/observability/tracing"
    "github.com/amirimatin/go-peerservice/pkg/state"
    "github.com/amirimatin/go-peerservice/pkg/store"
)

// Op names a request kind.
type Op string

const (
    OpMembers     Op = "members"
    OpLocalState  Op = "get_local_state"
    OpActor       Op = "get_actor"
    OpUpdateState Op = "update_state"
    OpDeleteState Op = "delete_state"
)

// Request is one unit of work for the worker. State is only read by
// OpUpdateState.
type Request struct {
    Op    Op
    State state.MembershipState
}

// Response carries the result of a Request. Only the fields relevant to the
// request's Op are populated.
type Response struct {
    Members []string
    State   state.MembershipState
    Actor   actor.Actor
    Ack     bool
    // Unrecognized is set when the worker did not know the request's Op.
    // Such requests are logged and acknowledged.
    Unrecognized bool
}

type result struct {
    resp Response
    err  error
}

type envelope struct {
    req   Request
    reply chan result
}

// Manager is the state manager service. Create it with New, then Start it
// once from the process entry point and hand it to collaborators.
type Manager struct {
    opts Options
    log  *zerolog.Logger

    mu      sync.Mutex
    started atomic.Bool
    stopped bool

    mbox  chan envelope
    stop  chan struct{}
    done  chan struct{}
    table *cache.Table
}

// New constructs a Manager from validated options. It performs no I/O; call
// Start to run the startup sequence.
func New(opts Options) (*Manager, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    if opts.Registry == nil { opts.Registry = cache.NewRegistry() }
    if opts.MailboxSize == 0 { opts.MailboxSize = 64 }
    return &Manager{
        opts: opts,
        log:  logutil.Component(opts.Logger, "peerservice"),
        mbox: make(chan envelope, opts.MailboxSize),
        stop: make(chan struct{}),
        done: make(chan struct{}),
    }, nil
}

// Start reconciles disk and cache and then begins serving requests. It is
// idempotent; a storage fault during startup is returned and the manager
// stays unstarted.
func (m *Manager) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.stopped {
        return ErrStopped
    }
    if m.started.Load() {
        return nil
    }
    _, end := tracing.StartSpan(ctx, "peerservice.init", attribute.String("node_id", m.opts.NodeID))
    err := m.init()
    end(err)
    if err != nil {
        return err
    }
    m.started.Store(true)
    go m.loop()
    return nil
}

// Stop ends the worker. Requests still queued fail with ErrStopped. There is
// no other teardown: the state file is already durable.
func (m *Manager) Stop(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.stopped {
        return nil
    }
    m.stopped = true
    close(m.stop)
    if !m.started.Load() {
        return nil
    }
    select {
    case <-m.done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Migrate is the upgrade hook for state carried across versions. The
// persisted format is owned by the set type, so there is nothing to do.
func (m *Manager) Migrate(from, to string) error {
    m.log.Debug().Str("from", from).Str("to", to).Msg("no state migration required")
    return nil
}

// NodeID returns the node identifier the manager was built with.
func (m *Manager) NodeID() string { return m.opts.NodeID }

// StorePath returns the state file path, or "" in memory-only mode.
func (m *Manager) StorePath() string { return m.opts.Store.Path() }

// Members returns the materialized member set.
func (m *Manager) Members(ctx context.Context) ([]string, error) {
    resp, err := m.Call(ctx, Request{Op: OpMembers})
    return resp.Members, err
}

// LocalState returns the raw replicated state, for exchange with peers.
func (m *Manager) LocalState(ctx context.Context) (state.MembershipState, error) {
    resp, err := m.Call(ctx, Request{Op: OpLocalState})
    return resp.State, err
}

// Actor returns the actor of this incarnation.
func (m *Manager) Actor(ctx context.Context) (actor.Actor, error) {
    resp, err := m.Call(ctx, Request{Op: OpActor})
    return resp.Actor, err
}

// UpdateState persists s and then makes it the cached state. s replaces the
// current state as is; it is the caller's job to have merged it first. Only
// storage faults are returned.
func (m *Manager) UpdateState(ctx context.Context, s state.MembershipState) error {
    if s == nil {
        return ErrNilState
    }
    _, err := m.Call(ctx, Request{Op: OpUpdateState, State: s})
    return err
}

// DeleteState removes the persisted file. The cached state is left in
// place: a node that leaves is expected to exit shortly after, and Members
// keeps reporting the last committed set until then.
func (m *Manager) DeleteState(ctx context.Context) error {
    _, err := m.Call(ctx, Request{Op: OpDeleteState})
    return err
}

// Call submits req to the worker and waits for its response. If ctx ends
// first Call returns ctx.Err(), but an already queued request still runs.
func (m *Manager) Call(ctx context.Context, req Request) (Response, error) {
    if !m.started.Load() {
        select {
        case <-m.stop:
            return Response{}, ErrStopped
        default:
        }
        return Response{}, ErrNotInitialized
    }
    start := time.Now()
    ctx, end := tracing.StartSpan(ctx, "peerservice."+string(req.Op))
    resp, err := m.submit(ctx, req)
    end(err)
    res := "ok"
    if err != nil { res = "error" }
    obsmetrics.Operations.WithLabelValues(string(req.Op), res).Inc()
    obsmetrics.OperationSeconds.WithLabelValues(string(req.Op)).Observe(time.Since(start).Seconds())
    return resp, err
}

func (m *Manager) submit(ctx context.Context, req Request) (Response, error) {
    env := envelope{req: req, reply: make(chan result, 1)}
    select {
    case m.mbox <- env:
    case <-m.done:
        return Response{}, ErrStopped
    case <-ctx.Done():
        return Response{}, ctx.Err()
    }
    select {
    case r := <-env.reply:
        return r.resp, r.err
    case <-m.done:
        select {
        case r := <-env.reply:
            return r.resp, r.err
        default:
            return Response{}, ErrStopped
        }
    case <-ctx.Done():
        return Response{}, ctx.Err()
    }
}

func (m *Manager) loop() {
    defer close(m.done)
    for {
        select {
        case <-m.stop:
            return
        case env := <-m.mbox:
            resp, err := m.handle(env.req)
            env.reply <- result{resp: resp, err: err}
        }
    }
}

func (m *Manager) handle(req Request) (Response, error) {
    switch req.Op {
    case OpMembers:
        s, ok := m.cachedState()
        if !ok { return Response{}, ErrNotInitialized }
        return Response{Members: s.Value()}, nil
    case OpLocalState:
        s, ok := m.cachedState()
        if !ok { return Response{}, ErrNotInitialized }
        return Response{State: s}, nil
    case OpActor:
        a, ok := m.cachedActor()
        if !ok { return Response{}, ErrNotInitialized }
        return Response{Actor: a}, nil
    case OpUpdateState:
        if req.State == nil { return Response{}, ErrNilState }
        if err := m.commit(req.State); err != nil { return Response{}, err }
        return Response{Ack: true}, nil
    case OpDeleteState:
        m.erase()
        return Response{Ack: true}, nil
    default:
        m.log.Warn().Str("op", string(req.Op)).Msg("unrecognized request acknowledged")
        return Response{Ack: true, Unrecognized: true}, nil
    }
}

// init runs the startup sequence: acquire the table, mint the actor, then
// load the persisted state or fall back to a fresh set holding this node.
func (m *Manager) init() error {
    table, created := m.opts.Registry.GetOrCreate(TableName)
    if !created {
        m.log.Info().Str("table", TableName).Msg("state table already initialized, reusing it")
    }
    m.table = table

    a := actor.Generate(m.opts.NodeID)
    m.table.Put(cache.KeyActor, a)
    m.log.Info().Str("actor", a.Short()).Msg("generated actor for this incarnation")

    var s state.MembershipState
    if m.opts.Store.Enabled() {
        loaded, err := m.opts.Store.Load(m.opts.Type)
        switch {
        case err == nil:
            s = loaded
            m.log.Info().Str("path", m.opts.Store.Path()).Int("members", len(loaded.Value())).Msg("loaded persisted membership state")
        case errors.Is(err, store.ErrNotFound):
            m.log.Info().Str("path", m.opts.Store.Path()).Msg("no persisted membership state")
        default:
            m.fault("load", err)
            return err
        }
    }
    if s == nil && !created {
        if cached, ok := m.cachedState(); ok {
            m.log.Info().Int("members", len(cached.Value())).Msg("adopting membership state already cached in this process")
            s = cached
        }
    }
    if s == nil {
        fresh, err := m.opts.Type.New().Add(a, m.opts.NodeID)
        if err != nil { return err }
        s = fresh
        m.log.Info().Str("type", m.opts.Type.Name()).Msg("starting with a fresh membership state")
    }
    return m.commit(s)
}

func (m *Manager) commit(s state.MembershipState) error {
    if err := m.opts.Store.Save(s); err != nil {
        m.fault("save", err)
        return err
    }
    if m.opts.Store.Enabled() { obsmetrics.StorageWrites.Inc() }
    m.table.Put(cache.KeyClusterState, s)
    obsmetrics.Members.Set(float64(len(s.Value())))
    return nil
}

func (m *Manager) erase() {
    if err := m.opts.Store.Erase(); err != nil {
        obsmetrics.StorageFaults.WithLabelValues("erase").Inc()
        m.log.Error().Err(err).Msg("failed to erase persisted membership state")
        return
    }
    m.log.Info().Str("path", m.opts.Store.Path()).Msg("persisted membership state erased")
}

func (m *Manager) fault(op string, err error) {
    obsmetrics.StorageFaults.WithLabelValues(op).Inc()
    m.log.Error().Err(err).Str("op", op).Msg("storage fault")
    if m.opts.OnStorageFault != nil { m.opts.OnStorageFault(err) }
}

func (m *Manager) cachedState() (state.MembershipState, bool) {
    if m.table == nil { return nil, false }
    v, ok := m.table.Get(cache.KeyClusterState)
    if !ok { return nil, false }
    s, ok := v.(state.MembershipState)
    return s, ok
}

func (m *Manager) cachedActor() (actor.Actor, bool) {
    if m.table == nil { return actor.Actor{}, false }
    v, ok := m.table.Get(cache.KeyActor)
    if !ok { return actor.Actor{}, false }
    a, ok := v.(actor.Actor)
    return a, ok
}
