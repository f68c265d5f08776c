package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "os/signal"
    "slices"
    "strings"
    "sync"
    "syscall"
    "time"

    "github.com/rs/zerolog/log"
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-peerservice/pkg/bootstrap"
    "github.com/amirimatin/go-peerservice/pkg/config"
    dStatic "github.com/amirimatin/go-peerservice/pkg/discovery/static"
    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-peerservice/pkg/observability/tracing"
    "github.com/amirimatin/go-peerservice/pkg/security/tlsconfig"
    "github.com/amirimatin/go-peerservice/pkg/transport"
)

// AddAll attaches node subcommands (run/status/members/leave) to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewMembersCmd())
    root.AddCommand(NewLeaveCmd())
}

// NewRootCmd returns the peerctl root command.
func NewRootCmd() *cobra.Command {
    root := &cobra.Command{
        Use:           "peerctl",
        Short:         "Run and inspect peer service nodes",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    AddAll(root)
    return root
}

// NewRunCmd returns the "run" command used to start a node. Flags override
// values from the config file.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath, id, dataDir, bind, adv, joinCSV string
        seedsFile, seedsDNS                      string
        mgmtAddr, mgmtProto, logFormat             string
        verbose, traceEnable                       bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a peer service node",
        RunE: func(cmd *cobra.Command, args []string) error {
            boot := logutil.New(logutil.Options{})
            cfg, err := config.Load(cfgPath, &boot)
            if err != nil { return err }

            f := cmd.Flags()
            if f.Changed("id") { cfg.NodeID = id }
            if f.Changed("data-dir") { cfg.DataDir = dataDir }
            if f.Changed("bind") { cfg.Gossip.Bind = bind }
            if f.Changed("advertise") { cfg.Gossip.Advertise = adv }
            if f.Changed("join") { cfg.Gossip.Seeds = dStatic.Parse(joinCSV) }
            if f.Changed("seeds-file") { cfg.Gossip.SeedsFile = seedsFile }
            if f.Changed("seeds-dns") { cfg.Gossip.SeedsDNS = dStatic.Parse(seedsDNS) }
            if f.Changed("mgmt-addr") { cfg.Management.Addr = mgmtAddr }
            if f.Changed("mgmt-proto") { cfg.Management.Proto = mgmtProto }
            if f.Changed("verbose") { cfg.Logging.Verbose = verbose }
            if f.Changed("log-format") { cfg.Logging.Format = logFormat }
            if f.Changed("trace") { cfg.Tracing.Enabled = traceEnable }
            if err := cfg.ResolveNodeID(); err != nil { return err }

            logger := logutil.Setup(logutil.Options{Format: cfg.Logging.Format, Verbose: cfg.Logging.Verbose, NodeID: cfg.NodeID})

            shutdown, err := tracing.Setup(cfg.Tracing.Enabled)
            if err != nil {
                logger.Warn().Err(err).Msg("tracing setup error")
            } else {
                defer func() { _ = shutdown(context.Background()) }()
            }

            ctx, cancel := signalContext()
            defer cancel()

            // Any storage fault stops the node with a non-zero exit.
            var (
                faultMu sync.Mutex
                fault   error
            )
            hooks := bootstrap.Hooks{
                Logger: &logger,
                OnStorageFault: func(err error) {
                    faultMu.Lock()
                    if fault == nil { fault = err }
                    faultMu.Unlock()
                    cancel()
                },
                OnLeave: cancel,
            }
            cl, err := bootstrap.Run(ctx, cfg, hooks)
            if err != nil { return err }

            logger.Info().Msg("node running, press Ctrl+C to exit")
            <-ctx.Done()

            sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
            defer scancel()
            if err := cl.Stop(sctx); err != nil {
                logger.Warn().Err(err).Msg("shutdown incomplete")
            }
            faultMu.Lock()
            defer faultMu.Unlock()
            if fault != nil {
                return fmt.Errorf("storage fault: %w", fault)
            }
            return nil
        },
    }
    cmd.Flags().StringVar(&cfgPath, "config", "", "path to a TOML configuration file")
    cmd.Flags().StringVar(&id, "id", "", "node id (defaults to a machine derived id)")
    cmd.Flags().StringVar(&dataDir, "data-dir", "", "root directory for peer_service/cluster_state; empty keeps state in memory")
    cmd.Flags().StringVar(&bind, "bind", "", "gossip bind addr (host:port)")
    cmd.Flags().StringVar(&adv, "advertise", "", "gossip advertise addr (host:port, optional)")
    cmd.Flags().StringVar(&joinCSV, "join", "", "comma-separated gossip seeds (host:port)")
    cmd.Flags().StringVar(&seedsFile, "seeds-file", "", "file with one gossip seed per line, re-read on change")
    cmd.Flags().StringVar(&seedsDNS, "seeds-dns", "", "comma-separated SRV records or host names resolved to gossip seeds")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", "", "management address (tcp), separate from the gossip port")
    cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", transport.ProtoHTTP, "management RPC protocol: http|grpc")
    cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")
    cmd.Flags().StringVar(&logFormat, "log-format", "console", "log format: console|json")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// clientFlags are shared by the commands that talk to a running node.
type clientFlags struct {
    addr, proto string
    timeout     time.Duration
    tls         tlsconfig.Options
}

func (c *clientFlags) register(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    f.StringVar(&c.proto, "mgmt-proto", transport.ProtoHTTP, "management RPC protocol: http|grpc")
    f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    f.BoolVar(&c.tls.Enable, "tls", false, "use TLS for the management connection")
    f.StringVar(&c.tls.CAFile, "tls-ca", "", "CA bundle used to verify the node")
    f.StringVar(&c.tls.CertFile, "tls-cert", "", "client certificate for mTLS")
    f.StringVar(&c.tls.KeyFile, "tls-key", "", "client key for mTLS")
    f.StringVar(&c.tls.ServerName, "tls-server-name", "", "override the server name checked in the node's certificate")
    f.BoolVar(&c.tls.InsecureSkipVerify, "tls-insecure", false, "skip verification of the node's certificate (dev only)")
}

func (c *clientFlags) client() (transport.RPCClient, error) {
    if err := c.tls.Validate(); err != nil { return nil, err }
    tlsCfg, err := c.tls.Client()
    if err != nil { return nil, err }
    return bootstrap.NewClient(c.proto, c.timeout, tlsCfg), nil
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            cl, err := cf.client()
            if err != nil { return err }
            data, err := cl.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            _, _ = out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = io.WriteString(out, "\n") }
            return nil
        },
    }
    cf.register(cmd)
    return cmd
}

// NewMembersCmd returns the "members" command.
func NewMembersCmd() *cobra.Command {
    var (
        cf     clientFlags
        asJSON bool
    )
    cmd := &cobra.Command{
        Use:   "members",
        Short: "List the replicated member set of a node",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            cl, err := cf.client()
            if err != nil { return err }
            resp, err := cl.GetMembers(ctx, cf.addr)
            if err != nil { return fmt.Errorf("members error: %w", err) }
            if asJSON { return json.NewEncoder(cmd.OutOrStdout()).Encode(resp) }
            printMembers(cmd.OutOrStdout(), resp)
            return nil
        },
    }
    cf.register(cmd)
    cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
    return cmd
}

// NewLeaveCmd returns the "leave" command. The target node removes itself
// from the cluster, erases its state and exits.
func NewLeaveCmd() *cobra.Command {
    var (
        cf     clientFlags
        reason string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Ask a node to leave the cluster",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithTimeout(context.Background(), cf.timeout)
            defer cancel()
            cl, err := cf.client()
            if err != nil { return err }
            resp, err := cl.PostLeave(ctx, cf.addr, transport.LeaveRequest{Reason: reason})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cf.register(cmd)
    cmd.Flags().StringVar(&reason, "reason", "", "free-form reason recorded in the node's log")
    return cmd
}

func printMembers(w io.Writer, resp transport.MembersResponse) {
    live := make(map[string]bool, len(resp.GossipPeers))
    for _, p := range resp.GossipPeers { live[p] = true }
    for _, m := range resp.Members {
        state := "unreachable"
        if live[m] { state = "alive" }
        fmt.Fprintf(w, "%s\t%s\n", m, state)
    }
    var extra []string
    for _, p := range resp.GossipPeers {
        if !slices.Contains(resp.Members, p) { extra = append(extra, p) }
    }
    if len(extra) > 0 {
        fmt.Fprintf(w, "# gossip peers outside the member set: %s\n", strings.Join(extra, ", "))
    }
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        select {
        case s := <-ch:
            log.Info().Str("signal", s.String()).Msg("shutting down")
            cancel()
        case <-ctx.Done():
        }
        signal.Stop(ch)
    }()
    return ctx, cancel
}
