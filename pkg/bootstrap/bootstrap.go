// Package bootstrap assembles a cluster node from a configuration.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "strconv"
    "time"

    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/cluster"
    "github.com/amirimatin/go-peerservice/pkg/config"
    "github.com/amirimatin/go-peerservice/pkg/discovery"
    dDNS "github.com/amirimatin/go-peerservice/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-peerservice/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-peerservice/pkg/discovery/static"
    "github.com/amirimatin/go-peerservice/pkg/gossip"
    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    ml "github.com/amirimatin/go-peerservice/pkg/membership/memberlist"
    "github.com/amirimatin/go-peerservice/pkg/peerservice"
    "github.com/amirimatin/go-peerservice/pkg/state/orswot"
    "github.com/amirimatin/go-peerservice/pkg/store"
    "github.com/amirimatin/go-peerservice/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-peerservice/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-peerservice/pkg/transport/httpjson"
)

// SeedsEnv, when set, replaces the seeds read from gossip.seeds_file.
const SeedsEnv = "PEER_SERVICE_SEEDS"

// Hooks are the process level callbacks wired into the node.
type Hooks struct {
    // Logger defaults to the zerolog global logger.
    Logger *zerolog.Logger
    // OnStorageFault is called for every storage fault of the state
    // manager. Processes typically cancel their root context.
    OnStorageFault func(err error)
    // OnLeave is called once the node has left the cluster.
    OnLeave func()
}

// Build assembles a cluster.Cluster from cfg without starting it.
func Build(cfg *config.Configuration, hooks Hooks) (*cluster.Cluster, error) {
    if cfg == nil {
        return nil, errors.New("bootstrap: nil config")
    }
    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    logger := logutil.OrDefault(hooks.Logger)
    typ := orswot.Type{}

    mgr, err := peerservice.New(peerservice.Options{
        NodeID:         cfg.NodeID,
        Store:          store.New(cfg.DataDir),
        Type:           typ,
        Logger:         logger,
        OnStorageFault: hooks.OnStorageFault,
    })
    if err != nil { return nil, err }

    ex, err := gossip.New(gossip.Options{Manager: mgr, Type: typ, Logger: logger})
    if err != nil { return nil, err }

    // The management address travels in gossip metadata so operators can
    // find any node's endpoint from one node's status.
    memMeta := map[string]string{}
    if cfg.Management.Addr != "" { memMeta["mgmt"] = cfg.Management.Addr }
    mem, err := ml.New(ml.Options{
        NodeID:           cfg.NodeID,
        Bind:             cfg.Gossip.Bind,
        Advertise:        cfg.Gossip.Advertise,
        Meta:             memMeta,
        Exchange:         ex,
        Logger:           logger,
        ProbeInterval:    cfg.Gossip.ProbeInterval(),
        PushPullInterval: cfg.Gossip.PushPullInterval(),
    })
    if err != nil { return nil, err }

    var srv transport.RPCServer
    if cfg.Management.Addr != "" {
        tlsCfg, err := cfg.Management.TLS.Server()
        if err != nil { return nil, err }
        switch cfg.Management.Proto {
        case transport.ProtoGRPC:
            srv = mgmtgrpc.NewServer(cfg.Management.Addr, logger).UseTLS(tlsCfg)
        default:
            srv = httpjson.NewServer(cfg.Management.Addr, logger).UseTLS(tlsCfg)
        }
    }

    sources := []discovery.Discovery{
        dStatic.New(cfg.Gossip.Seeds...),
        dFile.New(dFile.Options{Path: cfg.Gossip.SeedsFile, Env: SeedsEnv}),
    }
    if len(cfg.Gossip.SeedsDNS) > 0 {
        sources = append(sources, dDNS.New(dDNS.Options{
            Names:  cfg.Gossip.SeedsDNS,
            Port:   gossipPort(cfg.Gossip.Bind),
            Logger: logger,
        }))
    }
    disc := discovery.Combine(sources...)

    return cluster.New(cluster.Options{
        Manager:    mgr,
        Exchanger:  ex,
        Type:       typ,
        Membership: mem,
        Discovery:  disc,
        RPCServer:  srv,
        Logger:     logger,
        OnLeave:    hooks.OnLeave,
    })
}

// Run builds and starts the node. The caller is responsible for calling
// Close() when finished.
func Run(ctx context.Context, cfg *config.Configuration, hooks Hooks) (*cluster.Cluster, error) {
    cl, err := Build(cfg, hooks)
    if err != nil { return nil, err }
    if err := cl.Start(ctx); err != nil {
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = cl.Stop(c)
        return nil, err
    }
    return cl, nil
}

// NewClient returns a management client for proto. A nil tlsCfg dials
// without TLS.
func NewClient(proto string, timeout time.Duration, tlsCfg *tls.Config) transport.RPCClient {
    if proto == transport.ProtoGRPC {
        return mgmtgrpc.NewClient(timeout).UseTLS(tlsCfg)
    }
    return httpjson.NewClient(timeout).UseTLS(tlsCfg)
}

// gossipPort returns the port of bind, or the DNS default when bind has
// none or asks for an ephemeral one.
func gossipPort(bind string) int {
    _, p, err := net.SplitHostPort(bind)
    if err != nil { return dDNS.DefaultPort }
    n, err := strconv.Atoi(p)
    if err != nil || n <= 0 { return dDNS.DefaultPort }
    return n
}
