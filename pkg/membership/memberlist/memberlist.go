package memberlist

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    stdlog "log"
    "net"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/memberlist"
    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    base "github.com/amirimatin/go-peerservice/pkg/membership"
    obsmetrics "github.com/amirimatin/go-peerservice/pkg/observability/metrics"
)

// Options configures the memberlist-based gossip layer.
type Options struct {
    // NodeID is the unique node identifier.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the address peers use to reach this node. If empty,
    // memberlist derives it from Bind.
    Advertise string

    // Meta is optional metadata associated with the node.
    Meta map[string]string

    // Exchange ships and merges membership state. Without it the layer
    // only tracks reachability.
    Exchange base.StateExchange

    Logger *zerolog.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval    time.Duration
    ProbeTimeout     time.Duration
    SuspicionMult    int
    GossipInterval   time.Duration
    PushPullInterval time.Duration
    // ExchangeTimeout bounds a single state read or merge. Defaults to 2s.
    ExchangeTimeout time.Duration
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu   sync.Mutex
    opts Options
    log  *zerolog.Logger
    ml   atomic.Pointer[memberlist.Memberlist]

    queue        *memberlist.TransmitLimitedQueue
    maxBroadcast int

    evMu   sync.Mutex
    evts   chan base.Event
    closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("memberlist: empty NodeID")
    }
    if opts.Bind == "" {
        return nil, fmt.Errorf("memberlist: empty Bind address")
    }
    if opts.ExchangeTimeout <= 0 {
        opts.ExchangeTimeout = 2 * time.Second
    }
    return &impl{
        opts: opts,
        log:  logutil.Component(opts.Logger, "memberlist"),
        evts: make(chan base.Event, 64),
    }, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml.Load() != nil {
        return nil
    }
    if m.closed {
        return fmt.Errorf("memberlist: stopped")
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil {
        return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err)
    }
    cfg.BindAddr = host
    cfg.BindPort = port

    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil {
            return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
        }
        cfg.AdvertiseAddr = ahost
        cfg.AdvertisePort = aport
    }

    if m.opts.ProbeInterval > 0 {
        cfg.ProbeInterval = m.opts.ProbeInterval
    }
    if m.opts.ProbeTimeout > 0 {
        cfg.ProbeTimeout = m.opts.ProbeTimeout
    }
    if m.opts.SuspicionMult > 0 {
        cfg.SuspicionMult = m.opts.SuspicionMult
    }
    if m.opts.GossipInterval > 0 {
        cfg.GossipInterval = m.opts.GossipInterval
    }
    if m.opts.PushPullInterval > 0 {
        cfg.PushPullInterval = m.opts.PushPullInterval
    }
    cfg.Logger = stdlog.New(&logWriter{log: m.log}, "", 0)

    m.queue = &memberlist.TransmitLimitedQueue{
        NumNodes: func() int {
            if ml := m.ml.Load(); ml != nil {
                return ml.NumMembers()
            }
            return 1
        },
        RetransmitMult: cfg.RetransmitMult,
    }
    // A broadcast rides on a single UDP packet together with memberlist's
    // own framing; anything larger is left to push/pull.
    m.maxBroadcast = cfg.UDPBufferSize - 128

    metaBytes, _ := json.Marshal(m.opts.Meta)
    cfg.Events = &eventDelegate{emit: m.emit}
    cfg.Delegate = &stateDelegate{impl: m, meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil {
        return err
    }
    m.ml.Store(ml)
    m.log.Info().Str("bind", m.opts.Bind).Str("addr", m.localAddr(ml)).Msg("gossip layer started")

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()

    return nil
}

func (m *impl) Join(seeds []string) (int, error) {
    ml := m.ml.Load()
    if ml == nil {
        return 0, fmt.Errorf("memberlist: not started")
    }
    if len(seeds) == 0 {
        return 0, nil
    }
    n, err := ml.Join(seeds)
    if err != nil {
        m.log.Warn().Err(err).Strs("seeds", seeds).Int("contacted", n).Msg("join incomplete")
    }
    return n, err
}

func (m *impl) Local() base.MemberInfo {
    ml := m.ml.Load()
    if ml == nil {
        return base.MemberInfo{}
    }
    info := toMemberInfo(ml.LocalNode())
    if len(info.Meta) == 0 && m.opts.Meta != nil {
        info.Meta = m.opts.Meta
    }
    return info
}

func (m *impl) Members() []base.MemberInfo {
    ml := m.ml.Load()
    if ml == nil {
        return nil
    }
    nodes := ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, toMemberInfo(n))
    }
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

// Broadcast queues encoded for gossip. A newer state invalidates any queued
// older one. States too large for a packet are dropped; the periodic
// push/pull exchange delivers them instead.
func (m *impl) Broadcast(encoded []byte) {
    if m.ml.Load() == nil || m.queue == nil {
        return
    }
    if len(encoded) > m.maxBroadcast {
        m.log.Debug().Int("size", len(encoded)).Int("max", m.maxBroadcast).Msg("state too large to broadcast, relying on push/pull")
        return
    }
    m.queue.QueueBroadcast(&stateBroadcast{msg: encoded})
    obsmetrics.Broadcasts.Inc()
}

func (m *impl) Leave(timeout time.Duration) error {
    ml := m.ml.Load()
    if ml == nil {
        return nil
    }
    if timeout <= 0 {
        timeout = time.Second
    }
    return ml.Leave(timeout)
}

func (m *impl) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if ml := m.ml.Swap(nil); ml != nil {
        _ = ml.Shutdown()
    }
    m.evMu.Lock()
    defer m.evMu.Unlock()
    if m.closed {
        return nil
    }
    m.closed = true
    close(m.evts)
    return nil
}

// HealthScore exposes memberlist's awareness score.
// Implements membership.HealthReporter.
func (m *impl) HealthScore() int {
    ml := m.ml.Load()
    if ml == nil {
        return -1
    }
    return ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.evMu.Lock()
    defer m.evMu.Unlock()
    if m.closed {
        return
    }
    select {
    case m.evts <- e:
    default:
        m.log.Warn().Str("event", string(e.Type)).Str("peer", e.Member.ID).Msg("dropping event: channel full")
    }
}

func (m *impl) exchangeCtx() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), m.opts.ExchangeTimeout)
}

func (m *impl) localAddr(ml *memberlist.Memberlist) string {
    return toMemberInfo(ml.LocalNode()).Addr
}

// eventDelegate adapts memberlist events to base.Event.
type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if d.emit == nil || n == nil {
        return
    }
    d.emit(base.Event{Type: t, Member: toMemberInfo(n), At: time.Now()})
}

// stateDelegate implements memberlist.Delegate. Push/pull carries the full
// state both ways; user messages carry broadcast states.
type stateDelegate struct {
    impl *impl
    meta []byte
}

// NodeMeta returns the node metadata, truncated to limit.
func (d *stateDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit {
        return d.meta
    }
    if limit <= 0 {
        return nil
    }
    return d.meta[:limit]
}

// NotifyMsg merges a broadcast state. buf is owned by memberlist and is
// copied before use.
func (d *stateDelegate) NotifyMsg(buf []byte) {
    if len(buf) == 0 {
        return
    }
    d.merge(bytes.Clone(buf), "broadcast")
}

func (d *stateDelegate) GetBroadcasts(overhead, limit int) [][]byte {
    if d.impl.queue == nil {
        return nil
    }
    return d.impl.queue.GetBroadcasts(overhead, limit)
}

func (d *stateDelegate) LocalState(join bool) []byte {
    ex := d.impl.opts.Exchange
    if ex == nil {
        return nil
    }
    ctx, cancel := d.impl.exchangeCtx()
    defer cancel()
    buf, err := ex.LocalState(ctx)
    if err != nil {
        d.impl.log.Warn().Err(err).Bool("join", join).Msg("local state unavailable for push/pull")
        return nil
    }
    return buf
}

func (d *stateDelegate) MergeRemoteState(buf []byte, join bool) {
    if len(buf) == 0 {
        return
    }
    src := "push_pull"
    if join {
        src = "join"
    }
    d.merge(bytes.Clone(buf), src)
}

func (d *stateDelegate) merge(buf []byte, src string) {
    ex := d.impl.opts.Exchange
    if ex == nil {
        return
    }
    ctx, cancel := d.impl.exchangeCtx()
    defer cancel()
    changed, err := ex.MergeRemote(ctx, buf)
    if err != nil {
        d.impl.log.Warn().Err(err).Str("source", src).Msg("failed to merge remote state")
        return
    }
    if changed {
        d.impl.log.Debug().Str("source", src).Msg("remote state merged")
    }
}

// stateBroadcast is a full encoded state. Only the newest one matters.
type stateBroadcast struct{ msg []byte }

func (b *stateBroadcast) Invalidates(other memberlist.Broadcast) bool {
    _, ok := other.(*stateBroadcast)
    return ok
}

func (b *stateBroadcast) Message() []byte { return b.msg }
func (b *stateBroadcast) Finished()       {}

// logWriter routes memberlist's leveled log lines into zerolog.
type logWriter struct{ log *zerolog.Logger }

func (w *logWriter) Write(p []byte) (int, error) {
    line := string(bytes.TrimSpace(p))
    lvl := zerolog.DebugLevel
    for prefix, l := range logLevels {
        if i := bytes.Index(p, []byte(prefix)); i >= 0 {
            lvl = l
            line = string(bytes.TrimSpace(p[i+len(prefix):]))
            break
        }
    }
    w.log.WithLevel(lvl).Msg(line)
    return len(p), nil
}

var logLevels = map[string]zerolog.Level{
    "[DEBUG]": zerolog.DebugLevel,
    "[INFO]":  zerolog.InfoLevel,
    "[WARN]":  zerolog.WarnLevel,
    "[ERR]":   zerolog.ErrorLevel,
}

func toMemberInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 {
        _ = json.Unmarshal(n.Meta, &meta)
    }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func splitHostPort(addr string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(addr)
    if err != nil {
        return "", 0, err
    }
    p, err := strconv.Atoi(portStr)
    if err != nil || p < 0 || p > 65535 {
        return "", 0, fmt.Errorf("invalid port: %q", portStr)
    }
    return host, p, nil
}
