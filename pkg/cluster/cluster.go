// Package cluster assembles a peer service node: the state manager, the
// gossip layer that replicates its state and the management endpoint.
package cluster

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/discovery"
    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    "github.com/amirimatin/go-peerservice/pkg/membership"
    obsmetrics "github.com/amirimatin/go-peerservice/pkg/observability/metrics"
    "github.com/amirimatin/go-peerservice/pkg/observability/tracing"
    "github.com/amirimatin/go-peerservice/pkg/peerservice"
    "github.com/amirimatin/go-peerservice/pkg/transport"
)

// Facade exposes the high-level API for consumers.
type Facade interface {
    Start(ctx context.Context) error
    Status(ctx context.Context) (*Status, error)
    Members(ctx context.Context) (transport.MembersResponse, error)
    Leave(ctx context.Context) error
    Stop(ctx context.Context) error
}

// Cluster is the concrete implementation of the Facade.
type Cluster struct {
    opts Options
    log  *zerolog.Logger
    mgr  *peerservice.Manager
    mem  membership.Membership

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
        left    bool
    }
    cancel context.CancelFunc
    eb     eventBus
}

var _ Facade = (*Cluster)(nil)

// New constructs a Cluster from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Cluster, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    if opts.LeaveTimeout <= 0 {
        opts.LeaveTimeout = 2 * time.Second
    }
    return &Cluster{
        opts: opts,
        log:  logutil.Component(opts.Logger, "cluster"),
        mgr:  opts.Manager,
        mem:  opts.Membership,
    }, nil
}

// Start starts the state manager, then the gossip layer and joins the
// seeds, then the management endpoint. A failed join is logged; peers that
// come up later find this node through their own seeds.
func (c *Cluster) Start(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed {
        return ErrStopped
    }
    if c.run.started {
        return nil
    }
    obsmetrics.Register()

    if err := c.mgr.Start(ctx); err != nil {
        return fmt.Errorf("cluster: start state manager: %w", err)
    }
    c.opts.Exchanger.SetOnChange(c.mem.Broadcast)
    if err := c.mem.Start(ctx); err != nil {
        return fmt.Errorf("cluster: start gossip: %w", err)
    }
    if seeds := discovery.JoinTargets(c.opts.Discovery, c.mem.Local().Addr); len(seeds) > 0 {
        c.log.Info().Strs("seeds", seeds).Msg("joining gossip seeds")
        if n, err := c.mem.Join(seeds); err == nil {
            c.log.Info().Int("contacted", n).Msg("joined cluster")
        }
    }
    obsmetrics.GossipPeers.Set(float64(len(c.mem.Members())))

    loopCtx, cancel := context.WithCancel(ctx)
    c.cancel = cancel
    go c.membershipEventsLoop(loopCtx)

    if c.opts.RPCServer != nil {
        h := transport.Handlers{
            Status:  c.statusJSON,
            Members: c.Members,
            Leave:   c.handleLeave,
            Call:    c.handleCall,
        }
        if err := c.opts.RPCServer.Start(loopCtx, h); err != nil {
            cancel()
            return err
        }
        c.log.Info().Str("addr", c.opts.RPCServer.Addr()).Msg("management endpoint listening (status/members/leave/call/metrics/healthz)")
    }
    c.run.started = true
    return nil
}

// Status returns a snapshot of this node: its replicated member set next to
// the live gossip view.
func (c *Cluster) Status(ctx context.Context) (*Status, error) {
    if !c.isStarted() {
        return nil, ErrNotStarted
    }
    members, err := c.mgr.Members(ctx)
    if err != nil {
        return nil, err
    }
    a, err := c.mgr.Actor(ctx)
    if err != nil {
        return nil, err
    }
    s := &Status{
        NodeID:      c.mgr.NodeID(),
        Actor:       a.String(),
        Members:     members,
        GossipPeers: c.mem.Members(),
        StatePath:   c.mgr.StorePath(),
        HealthScore: -1,
        Left:        c.hasLeft(),
    }
    if c.opts.RPCServer != nil {
        s.Management = c.opts.RPCServer.Addr()
    }
    sort.Slice(s.GossipPeers, func(i, j int) bool { return s.GossipPeers[i].ID < s.GossipPeers[j].ID })
    if hr, ok := c.mem.(membership.HealthReporter); ok {
        s.HealthScore = hr.HealthScore()
    }
    s.Warnings = warnings(s)
    obsmetrics.GossipPeers.Set(float64(len(s.GossipPeers)))
    return s, nil
}

// Members lists the replicated member set and the live gossip peers.
func (c *Cluster) Members(ctx context.Context) (transport.MembersResponse, error) {
    if !c.isStarted() {
        return transport.MembersResponse{}, ErrNotStarted
    }
    members, err := c.mgr.Members(ctx)
    if err != nil {
        return transport.MembersResponse{}, err
    }
    peers := c.mem.Members()
    ids := make([]string, 0, len(peers))
    for _, p := range peers {
        ids = append(ids, p.ID)
    }
    sort.Strings(ids)
    return transport.MembersResponse{Members: members, GossipPeers: ids}, nil
}

// Leave removes this node from the replicated set, lets gossip carry the
// removal, erases the state file and finally signals OnLeave. The state
// manager keeps serving its cached set until the process stops.
func (c *Cluster) Leave(ctx context.Context) (err error) {
    ctx, end := tracing.StartSpan(ctx, "cluster.leave")
    defer func() { end(err) }()

    c.mu.Lock()
    switch {
    case !c.run.started:
        c.mu.Unlock()
        return ErrNotStarted
    case c.run.closed:
        c.mu.Unlock()
        return ErrStopped
    case c.run.left:
        c.mu.Unlock()
        return ErrLeft
    }
    c.run.left = true
    c.mu.Unlock()

    nodeID := c.mgr.NodeID()
    if err := c.opts.Exchanger.Leave(ctx, nodeID); err != nil {
        c.markLeft(false)
        return fmt.Errorf("cluster: remove self from state: %w", err)
    }
    if err := c.mem.Leave(c.opts.LeaveTimeout); err != nil {
        c.log.Warn().Err(err).Msg("gossip leave incomplete")
    }
    if err := c.mgr.DeleteState(ctx); err != nil {
        return err
    }
    c.log.Info().Str("node", nodeID).Msg("left cluster")
    c.eb.publish(Event{Type: EventLeft, At: time.Now(), Details: map[string]string{"node": nodeID}})
    if c.opts.OnLeave != nil {
        c.opts.OnLeave()
    }
    return nil
}

// Stop shuts down the management endpoint, the gossip layer and the state
// manager, in that order.
func (c *Cluster) Stop(ctx context.Context) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.run.closed {
        return nil
    }
    c.run.closed = true
    if c.cancel != nil {
        c.cancel()
    }
    if c.opts.RPCServer != nil {
        _ = c.opts.RPCServer.Stop(ctx)
    }
    if c.run.started && !c.run.left {
        _ = c.mem.Leave(c.opts.LeaveTimeout)
    }
    _ = c.mem.Stop()
    return c.mgr.Stop(ctx)
}

// Close is a convenience alias for Stop with a background context.
func (c *Cluster) Close() error {
    return c.Stop(context.Background())
}

func (c *Cluster) membershipEventsLoop(ctx context.Context) {
    evch := c.mem.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok {
                return
            }
            obsmetrics.MemberEvents.WithLabelValues(string(e.Type)).Inc()
            obsmetrics.GossipPeers.Set(float64(len(c.mem.Members())))
            m := e.Member
            var t EventType
            switch e.Type {
            case membership.EventJoin:
                t = EventMemberJoin
                c.log.Info().Str("peer", m.ID).Str("addr", m.Addr).Msg("gossip peer joined")
            case membership.EventLeave:
                t = EventMemberLeave
                c.log.Info().Str("peer", m.ID).Msg("gossip peer gone")
            case membership.EventUpdate:
                t = EventMemberUpdate
            default:
                continue
            }
            c.eb.publish(Event{Type: t, At: e.At, Member: &m})
        }
    }
}

func (c *Cluster) statusJSON(ctx context.Context) ([]byte, error) {
    s, err := c.Status(ctx)
    if err != nil {
        return nil, err
    }
    return json.Marshal(s)
}

func (c *Cluster) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    c.log.Info().Str("reason", req.Reason).Msg("leave requested over management endpoint")
    if err := c.Leave(ctx); err != nil {
        return transport.LeaveResponse{Accepted: false, Error: err.Error()}, err
    }
    return transport.LeaveResponse{Accepted: true}, nil
}

// handleCall forwards a raw request to the state manager. update_state
// replaces the local state through the exchanger, serialized with gossip
// merges and broadcast to peers. Ops the manager does not know are
// acknowledged with Unrecognized set, as the manager does locally.
func (c *Cluster) handleCall(ctx context.Context, req transport.CallRequest) (transport.CallResponse, error) {
    if peerservice.Op(req.Op) == peerservice.OpUpdateState {
        if len(req.State) == 0 {
            return transport.CallResponse{}, peerservice.ErrNilState
        }
        s, err := c.opts.Type.Decode(req.State)
        if err != nil {
            return transport.CallResponse{}, fmt.Errorf("cluster: decode state: %w", err)
        }
        if err := c.opts.Exchanger.Replace(ctx, s); err != nil {
            return transport.CallResponse{}, err
        }
        return transport.CallResponse{Ack: true}, nil
    }
    resp, err := c.mgr.Call(ctx, peerservice.Request{Op: peerservice.Op(req.Op)})
    if err != nil {
        return transport.CallResponse{}, err
    }
    out := transport.CallResponse{Members: resp.Members, Ack: resp.Ack, Unrecognized: resp.Unrecognized}
    if !resp.Actor.IsZero() {
        out.Actor = resp.Actor.String()
    }
    if resp.State != nil {
        b, err := resp.State.Encode()
        if err != nil {
            return transport.CallResponse{}, err
        }
        out.State = b
    }
    return out, nil
}

func (c *Cluster) isStarted() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.run.started && !c.run.closed
}

func (c *Cluster) hasLeft() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.run.left
}

func (c *Cluster) markLeft(v bool) {
    c.mu.Lock()
    c.run.left = v
    c.mu.Unlock()
}

// warnings compares the replicated set with the gossip view. The two are
// expected to differ briefly after joins and failures.
func warnings(s *Status) []string {
    var out []string
    if s.StatePath == "" {
        out = append(out, "memory-only mode: membership state is not persisted")
    }
    if s.Left {
        out = append(out, "node has left the cluster")
    }
    live := make(map[string]struct{}, len(s.GossipPeers))
    for _, p := range s.GossipPeers {
        live[p.ID] = struct{}{}
    }
    known := make(map[string]struct{}, len(s.Members))
    for _, id := range s.Members {
        known[id] = struct{}{}
        if _, ok := live[id]; !ok {
            out = append(out, fmt.Sprintf("member %s is not reachable through gossip", id))
        }
    }
    for _, p := range s.GossipPeers {
        if _, ok := known[p.ID]; !ok {
            out = append(out, fmt.Sprintf("gossip peer %s is not in the member set", p.ID))
        }
    }
    return out
}
