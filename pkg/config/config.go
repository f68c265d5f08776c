// Package config loads the node configuration from a TOML file.
package config

import (
    "errors"
    "fmt"
    "net"
    "os"
    "time"

    "github.com/BurntSushi/toml"
    "github.com/denisbrodbeck/machineid"
    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    "github.com/amirimatin/go-peerservice/pkg/security/tlsconfig"
    "github.com/amirimatin/go-peerservice/pkg/transport"
)

// GossipConfiguration controls the gossip layer.
type GossipConfiguration struct {
    Bind               string   `toml:"bind"`
    Advertise          string   `toml:"advertise"`
    Seeds              []string `toml:"seeds"`
    // SeedsFile lists further seeds, one per line. It is re-read on change.
    SeedsFile          string   `toml:"seeds_file"`
    // SeedsDNS are SRV records or host names resolved to seeds. A/AAAA
    // answers use the port of Bind.
    SeedsDNS           []string `toml:"seeds_dns"`
    ProbeIntervalMS    int      `toml:"probe_interval_ms"`
    PushPullIntervalMS int      `toml:"push_pull_interval_ms"`
}

// ManagementConfiguration controls the management endpoint.
type ManagementConfiguration struct {
    Addr  string            `toml:"addr"`
    Proto string            `toml:"proto"` // "http" or "grpc"
    TLS   tlsconfig.Options `toml:"tls"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
    Verbose bool   `toml:"verbose"`
    Format  string `toml:"format"` // "console" or "json"
}

// TracingConfiguration toggles stdout tracing.
type TracingConfiguration struct {
    Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
    NodeID string `toml:"node_id"`
    // DataDir is the root under which peer_service/cluster_state lives.
    // Empty means memory-only.
    DataDir string `toml:"data_dir"`

    Gossip     GossipConfiguration     `toml:"gossip"`
    Management ManagementConfiguration `toml:"management"`
    Logging    LoggingConfiguration    `toml:"logging"`
    Tracing    TracingConfiguration    `toml:"tracing"`
}

// Default returns the default configuration.
func Default() *Configuration {
    return &Configuration{
        Gossip: GossipConfiguration{
            Bind:               "0.0.0.0:7946",
            Seeds:              []string{},
            ProbeIntervalMS:    1000,
            PushPullIntervalMS: 30000,
        },
        Management: ManagementConfiguration{
            Addr:  "127.0.0.1:17946",
            Proto: transport.ProtoHTTP,
        },
        Logging: LoggingConfiguration{
            Format: "console",
        },
    }
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string, logger *zerolog.Logger) (*Configuration, error) {
    log := logutil.OrDefault(logger)
    c := Default()
    if path == "" {
        return c, nil
    }
    if _, err := os.Stat(path); err != nil {
        if errors.Is(err, os.ErrNotExist) {
            log.Warn().Str("path", path).Msg("config file not found, using defaults")
            return c, nil
        }
        return nil, fmt.Errorf("stat config: %w", err)
    }
    log.Info().Str("path", path).Msg("loading configuration")
    md, err := toml.DecodeFile(path, c)
    if err != nil {
        return nil, fmt.Errorf("failed to decode config: %w", err)
    }
    if undec := md.Undecoded(); len(undec) > 0 {
        log.Warn().Interface("keys", undec).Msg("unknown configuration keys ignored")
    }
    return c, nil
}

// ResolveNodeID fills NodeID from the machine id, or the hostname when the
// machine id is unavailable.
func (c *Configuration) ResolveNodeID() error {
    if c.NodeID != "" {
        return nil
    }
    id, err := generateNodeID()
    if err != nil {
        return err
    }
    c.NodeID = id
    return nil
}

func generateNodeID() (string, error) {
    if id, err := machineid.ProtectedID("go-peerservice"); err == nil && len(id) >= 16 {
        return id[:16], nil
    }
    host, err := os.Hostname()
    if err != nil {
        return "", fmt.Errorf("failed to generate node ID: %w", err)
    }
    return host, nil
}

// ProbeInterval returns the configured probe interval.
func (g GossipConfiguration) ProbeInterval() time.Duration {
    return time.Duration(g.ProbeIntervalMS) * time.Millisecond
}

// PushPullInterval returns the configured full state exchange interval.
func (g GossipConfiguration) PushPullInterval() time.Duration {
    return time.Duration(g.PushPullIntervalMS) * time.Millisecond
}

// Validate checks configuration for errors
func (c *Configuration) Validate() error {
    if c.NodeID == "" {
        return fmt.Errorf("node_id must be set")
    }
    if err := checkAddr("gossip.bind", c.Gossip.Bind); err != nil {
        return err
    }
    if c.Gossip.Advertise != "" {
        if err := checkAddr("gossip.advertise", c.Gossip.Advertise); err != nil {
            return err
        }
    }
    for _, s := range c.Gossip.Seeds {
        if err := checkAddr("gossip.seeds", s); err != nil {
            return err
        }
    }
    if c.Gossip.ProbeIntervalMS < 0 {
        return fmt.Errorf("gossip.probe_interval_ms must be >= 0")
    }
    if c.Gossip.PushPullIntervalMS < 0 {
        return fmt.Errorf("gossip push/pull interval must be >= 0")
    }
    switch c.Management.Proto {
    case transport.ProtoHTTP, transport.ProtoGRPC:
    default:
        return fmt.Errorf("invalid management proto: %q", c.Management.Proto)
    }
    if c.Management.Addr != "" {
        if err := checkAddr("management.addr", c.Management.Addr); err != nil {
            return err
        }
    }
    if err := c.Management.TLS.Validate(); err != nil {
        return err
    }
    if c.Management.TLS.Enable && (c.Management.TLS.CertFile == "" || c.Management.TLS.KeyFile == "") {
        return fmt.Errorf("management.tls requires cert_file and key_file")
    }
    switch c.Logging.Format {
    case "", "console", "json":
    default:
        return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
    }
    return nil
}

func checkAddr(field, addr string) error {
    if _, _, err := net.SplitHostPort(addr); err != nil {
        return fmt.Errorf("invalid %s %q: %w", field, addr, err)
    }
    return nil
}
