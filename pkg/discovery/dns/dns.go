// Package dns resolves gossip seeds from SRV records or host names.
package dns

import (
    "context"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/discovery"
    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
)

// DefaultPort is the gossip port assumed for A/AAAA answers.
const DefaultPort = 7946

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV records ("_peer._udp.example.com"), host names, or
    // literal host:port seeds passed through unchanged.
    Names []string
    // Port is used for A/AAAA answers, which carry no port.
    Port int
    // Refresh bounds cache staleness; defaults to 5s.
    Refresh time.Duration
    // Timeout bounds one resolution round; defaults to 2s.
    Timeout time.Duration
    // Resolver overrides net.DefaultResolver.
    Resolver *net.Resolver
    Logger   *zerolog.Logger
}

type impl struct {
    opts  Options
    log   *zerolog.Logger
    mu    sync.Mutex
    last  time.Time
    cache []string
}

// New returns a DNS-backed Discovery that caches answers for Refresh.
func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 {
        opts.Refresh = 5 * time.Second
    }
    if opts.Timeout <= 0 {
        opts.Timeout = 2 * time.Second
    }
    if opts.Port == 0 {
        opts.Port = DefaultPort
    }
    if opts.Resolver == nil {
        opts.Resolver = net.DefaultResolver
    }
    return &impl{opts: opts, log: logutil.Component(opts.Logger, "discovery.dns")}
}

func (d *impl) Seeds() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.cache) > 0 && time.Since(d.last) < d.opts.Refresh {
        return append([]string(nil), d.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
    defer cancel()
    d.cache = d.resolveAll(ctx)
    d.last = time.Now()
    return append([]string(nil), d.cache...)
}

func (d *impl) resolveAll(ctx context.Context) []string {
    seen := make(map[string]struct{})
    var out []string
    add := func(hps []string) {
        for _, hp := range hps {
            if _, ok := seen[hp]; ok {
                continue
            }
            seen[hp] = struct{}{}
            out = append(out, hp)
        }
    }
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" {
            continue
        }
        if _, _, err := net.SplitHostPort(name); err == nil {
            add([]string{name})
            continue
        }
        if isSRVName(name) {
            if recs := d.lookupSRV(ctx, name); len(recs) > 0 {
                add(recs)
                continue
            }
        }
        add(d.lookupHost(ctx, name))
    }
    sort.Strings(out)
    return out
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) []string {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" {
        return nil
    }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil {
        d.log.Debug().Err(err).Str("name", fqdn).Msg("srv lookup failed")
        return nil
    }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
    }
    return out
}

func (d *impl) lookupHost(ctx context.Context, host string) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        d.log.Warn().Err(err).Str("name", host).Msg("seed lookup failed")
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port)))
    }
    return out
}

func isSRVName(name string) bool {
    return strings.HasPrefix(name, "_") && strings.Contains(name, "._")
}

// parseSRVName splits "_service._proto.name". Any other shape yields empty
// parts.
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") {
        return "", "", ""
    }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
