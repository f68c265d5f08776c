// Package gossip is the merge side of state exchange: it encodes the local
// membership state for peers and folds their states back into the manager.
//
// The manager's UpdateState is last-write-wins, so every read-merge-write
// cycle here runs under one mutex; two concurrent merges would otherwise
// overwrite each other.
package gossip

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "sync"

    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/actor"
    "github.com/amirimatin/go-peerservice/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-peerservice/pkg/observability/metrics"
    "github.com/amirimatin/go-peerservice/pkg/observability/tracing"
    "github.com/amirimatin/go-peerservice/pkg/state"
)

// ErrNotReplicated is returned when the state type cannot merge.
var ErrNotReplicated = errors.New("gossip: state does not support merge")

// StateManager is the subset of the membership manager used here.
type StateManager interface {
    LocalState(ctx context.Context) (state.MembershipState, error)
    Actor(ctx context.Context) (actor.Actor, error)
    UpdateState(ctx context.Context, s state.MembershipState) error
}

// Options configures an Exchanger.
type Options struct {
    Manager StateManager
    Type    state.Type
    Logger  *zerolog.Logger
    // OnChange receives the encoded state after every local change caused
    // by a merge or a leave, typically to queue a broadcast.
    OnChange func(encoded []byte)
}

// Exchanger merges remote states into the local manager.
type Exchanger struct {
    opts Options
    log  *zerolog.Logger
    mu   sync.Mutex
}

// New returns an Exchanger.
func New(opts Options) (*Exchanger, error) {
    if opts.Manager == nil { return nil, errors.New("gossip: nil Manager") }
    if opts.Type == nil { return nil, errors.New("gossip: nil Type") }
    return &Exchanger{opts: opts, log: logutil.Component(opts.Logger, "gossip")}, nil
}

// SetOnChange replaces the change callback. Used when the transport is
// created after the exchanger.
func (e *Exchanger) SetOnChange(fn func(encoded []byte)) {
    e.mu.Lock()
    e.opts.OnChange = fn
    e.mu.Unlock()
}

// LocalState returns the encoded local state.
func (e *Exchanger) LocalState(ctx context.Context) ([]byte, error) {
    s, err := e.opts.Manager.LocalState(ctx)
    if err != nil { return nil, err }
    return s.Encode()
}

// MergeRemote decodes buf, merges it with the local state and commits the
// result when it differs. It reports whether the local state changed.
func (e *Exchanger) MergeRemote(ctx context.Context, buf []byte) (changed bool, err error) {
    ctx, end := tracing.StartSpan(ctx, "gossip.merge")
    defer func() { end(err) }()
    defer func() {
        switch {
        case err != nil:
            obsmetrics.Merges.WithLabelValues("error").Inc()
        case changed:
            obsmetrics.Merges.WithLabelValues("changed").Inc()
        default:
            obsmetrics.Merges.WithLabelValues("unchanged").Inc()
        }
    }()

    remote, err := e.opts.Type.Decode(buf)
    if err != nil { return false, fmt.Errorf("gossip: decode remote state: %w", err) }

    e.mu.Lock()
    defer e.mu.Unlock()
    local, err := e.opts.Manager.LocalState(ctx)
    if err != nil { return false, err }
    r, ok := local.(state.Replicated)
    if !ok { return false, ErrNotReplicated }
    merged, err := r.Merge(remote)
    if err != nil { return false, err }

    before, err := local.Encode()
    if err != nil { return false, err }
    after, err := merged.Encode()
    if err != nil { return false, err }
    if bytes.Equal(before, after) { return false, nil }

    if err := e.opts.Manager.UpdateState(ctx, merged); err != nil { return false, err }
    e.log.Debug().Strs("members", merged.Value()).Msg("merged remote membership state")
    e.notify(after)
    return true, nil
}

// Leave removes nodeID from the local state under this incarnation's actor
// and commits the result. Persisted state is not touched here; the caller
// deletes it once the removal has been broadcast.
func (e *Exchanger) Leave(ctx context.Context, nodeID string) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    local, err := e.opts.Manager.LocalState(ctx)
    if err != nil { return err }
    r, ok := local.(state.Replicated)
    if !ok { return ErrNotReplicated }
    a, err := e.opts.Manager.Actor(ctx)
    if err != nil { return err }
    next, err := r.Remove(a, nodeID)
    if err != nil { return err }
    if err := e.opts.Manager.UpdateState(ctx, next); err != nil { return err }
    buf, err := next.Encode()
    if err != nil { return err }
    e.log.Info().Str("node", nodeID).Msg("removed node from membership state")
    e.notify(buf)
    return nil
}

// Replace commits s as the local state, as is, and broadcasts it. It is the
// operator write path: s wins over the current local state, but runs under
// the same mutex as merges so neither overwrites the other mid-cycle.
func (e *Exchanger) Replace(ctx context.Context, s state.MembershipState) (err error) {
    ctx, end := tracing.StartSpan(ctx, "gossip.replace")
    defer func() { end(err) }()
    if s == nil { return errors.New("gossip: nil state") }
    buf, err := s.Encode()
    if err != nil { return err }
    e.mu.Lock()
    defer e.mu.Unlock()
    if err := e.opts.Manager.UpdateState(ctx, s); err != nil { return err }
    e.log.Info().Strs("members", s.Value()).Msg("membership state replaced")
    e.notify(buf)
    return nil
}

func (e *Exchanger) notify(buf []byte) {
    if e.opts.OnChange != nil { e.opts.OnChange(buf) }
}
