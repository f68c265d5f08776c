// Package file provides gossip seeds read from a file, re-read when the file
// changes. An environment variable, when set, takes precedence.
package file

import (
    "bufio"
    "os"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-peerservice/pkg/discovery"
    dStatic "github.com/amirimatin/go-peerservice/pkg/discovery/static"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file with one seed per line or comma-separated seeds.
    // Lines starting with # are ignored.
    Path string
    // Env overrides the file when the variable is non-empty.
    Env string
    // Refresh bounds cache staleness; defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

// New returns a file backed Discovery.
func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 {
        opts.Refresh = 5 * time.Second
    }
    return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
    i.mu.Lock()
    defer i.mu.Unlock()
    if i.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
            return dStatic.New(dStatic.Parse(v)...).Seeds()
        }
    }
    if i.opts.Path == "" {
        return nil
    }
    st, err := os.Stat(i.opts.Path)
    if err != nil {
        // Keep the last good list while the file is being replaced.
        return append([]string(nil), i.cache...)
    }
    now := time.Now()
    if st.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
        if seeds, err := load(i.opts.Path); err == nil {
            i.cache = seeds
            i.mtime = st.ModTime()
        }
        i.last = now
    }
    return append([]string(nil), i.cache...)
}

func load(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil {
        return nil, err
    }
    defer f.Close()
    var seeds []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") {
            continue
        }
        seeds = append(seeds, dStatic.Parse(line)...)
    }
    if err := s.Err(); err != nil {
        return nil, err
    }
    return dStatic.New(seeds...).Seeds(), nil
}
