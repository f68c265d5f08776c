package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-peerservice/pkg/store"
)

var quiet = zerolog.Nop()

func writeFile(t *testing.T, body string) string {
    t.Helper()
    p := filepath.Join(t.TempDir(), "peer.toml")
    require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
    return p
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
    c, err := Load(filepath.Join(t.TempDir(), "nope.toml"), &quiet)
    require.NoError(t, err)
    require.Equal(t, Default(), c)
}

func TestLoad_NoDataDirIsMemoryOnly(t *testing.T) {
    for name, path := range map[string]string{
        "no file":      "",
        "no data_dir":  writeFile(t, `node_id = "n1"`),
        "missing file": filepath.Join(t.TempDir(), "nope.toml"),
    } {
        t.Run(name, func(t *testing.T) {
            c, err := Load(path, &quiet)
            require.NoError(t, err)
            require.Empty(t, c.DataDir)
            st := store.New(c.DataDir)
            require.False(t, st.Enabled())
            require.Empty(t, st.Path())
        })
    }
}

func TestLoad_OverridesDefaults(t *testing.T) {
    p := writeFile(t, `
node_id = "n1"
data_dir = "/var/lib/peer"

[gossip]
bind = "0.0.0.0:8946"
seeds = ["10.0.0.1:8946", "10.0.0.2:8946"]
seeds_file = "/etc/peer/seeds"
seeds_dns = ["_peer._udp.example.com"]
push_pull_interval_ms = 5000

[management]
proto = "grpc"

[management.tls]
enabled = true
ca_file = "/etc/peer/ca.pem"
cert_file = "/etc/peer/cert.pem"
key_file = "/etc/peer/key.pem"

[logging]
verbose = true
format = "json"
`)
    c, err := Load(p, &quiet)
    require.NoError(t, err)
    require.Equal(t, "n1", c.NodeID)
    require.Equal(t, "/var/lib/peer", c.DataDir)
    require.Equal(t, "0.0.0.0:8946", c.Gossip.Bind)
    require.Equal(t, []string{"10.0.0.1:8946", "10.0.0.2:8946"}, c.Gossip.Seeds)
    require.Equal(t, "/etc/peer/seeds", c.Gossip.SeedsFile)
    require.Equal(t, 5*time.Second, c.Gossip.PushPullInterval())
    require.Equal(t, time.Second, c.Gossip.ProbeInterval(), "untouched keys keep defaults")
    require.Equal(t, "grpc", c.Management.Proto)
    require.Equal(t, "127.0.0.1:17946", c.Management.Addr)
    require.Equal(t, []string{"_peer._udp.example.com"}, c.Gossip.SeedsDNS)
    require.True(t, c.Management.TLS.Enable)
    require.Equal(t, "/etc/peer/ca.pem", c.Management.TLS.CAFile)
    require.Equal(t, "/etc/peer/key.pem", c.Management.TLS.KeyFile)
    require.True(t, c.Logging.Verbose)
    require.NoError(t, c.Validate())
}

func TestLoad_Malformed(t *testing.T) {
    _, err := Load(writeFile(t, "node_id = "), &quiet)
    require.Error(t, err)
}

func TestValidate(t *testing.T) {
    base := func() *Configuration {
        c := Default()
        c.NodeID = "n1"
        return c
    }
    require.NoError(t, base().Validate())

    cases := map[string]func(c *Configuration){
        "empty node id":  func(c *Configuration) { c.NodeID = "" },
        "bad bind":       func(c *Configuration) { c.Gossip.Bind = "nope" },
        "bad seed":       func(c *Configuration) { c.Gossip.Seeds = []string{"x"} },
        "bad advertise":  func(c *Configuration) { c.Gossip.Advertise = "x" },
        "bad proto":      func(c *Configuration) { c.Management.Proto = "smtp" },
        "bad format":     func(c *Configuration) { c.Logging.Format = "xml" },
        "negative probe": func(c *Configuration) { c.Gossip.ProbeIntervalMS = -1 },
        "tls no cert":    func(c *Configuration) { c.Management.TLS.Enable = true },
    }
    for name, mut := range cases {
        t.Run(name, func(t *testing.T) {
            c := base()
            mut(c)
            require.Error(t, c.Validate())
        })
    }
}

func TestResolveNodeID(t *testing.T) {
    c := Default()
    c.NodeID = "fixed"
    require.NoError(t, c.ResolveNodeID())
    require.Equal(t, "fixed", c.NodeID)

    c.NodeID = ""
    require.NoError(t, c.ResolveNodeID())
    require.NotEmpty(t, c.NodeID)
    require.LessOrEqual(t, len(c.NodeID), 64)
}
