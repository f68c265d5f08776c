package logutil

import (
    "io"
    "os"
    "strings"
    "time"

    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
)

// Options selects the log output.
type Options struct {
    // Format is "console" (default) or "json".
    Format  string
    Verbose bool
    // Writer defaults to os.Stderr.
    Writer io.Writer
    // NodeID is attached to every event when set.
    NodeID string
}

// jsonForced reports whether the environment asks for JSON logs.
func jsonForced() bool {
    return os.Getenv("CLUSTER_LOG_JSON") == "1" || strings.EqualFold(os.Getenv("CLUSTER_LOG_FORMAT"), "json")
}

// New builds a logger from opts.
func New(opts Options) zerolog.Logger {
    w := opts.Writer
    if w == nil { w = os.Stderr }
    if !jsonForced() && !strings.EqualFold(opts.Format, "json") {
        w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
    }
    ctx := zerolog.New(w).With().Timestamp()
    if opts.NodeID != "" { ctx = ctx.Str("node_id", opts.NodeID) }
    l := ctx.Logger()
    if opts.Verbose {
        return l.Level(zerolog.DebugLevel)
    }
    return l.Level(zerolog.InfoLevel)
}

// Setup builds a logger and installs it as the zerolog global.
func Setup(opts Options) zerolog.Logger {
    l := New(opts)
    log.Logger = l
    return l
}

// OrDefault returns l, or the zerolog global logger when l is nil.
func OrDefault(l *zerolog.Logger) *zerolog.Logger {
    if l != nil { return l }
    return &log.Logger
}

// Component returns a child logger tagged with the component name.
func Component(l *zerolog.Logger, name string) *zerolog.Logger {
    c := OrDefault(l).With().Str("component", name).Logger()
    return &c
}
