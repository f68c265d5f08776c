package cluster

import (
    "errors"
    "time"

    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/discovery"
    "github.com/amirimatin/go-peerservice/pkg/gossip"
    "github.com/amirimatin/go-peerservice/pkg/membership"
    "github.com/amirimatin/go-peerservice/pkg/peerservice"
    "github.com/amirimatin/go-peerservice/pkg/state"
    "github.com/amirimatin/go-peerservice/pkg/transport"
)

// Options carries the components assembled into a Cluster. Instances are
// typically produced by bootstrap from a config file.
type Options struct {
    // Manager is the local state manager (required). The cluster starts and
    // stops it.
    Manager *peerservice.Manager
    // Exchanger merges peer states into Manager (required).
    Exchanger *gossip.Exchanger
    // Type decodes states received through the raw call endpoint.
    Type state.Type
    // Membership is the gossip layer (required).
    Membership membership.Membership
    // Discovery provides the seeds joined on start.
    Discovery discovery.Discovery
    // RPCServer exposes the management endpoints. Optional.
    RPCServer transport.RPCServer

    Logger *zerolog.Logger

    // LeaveTimeout bounds the gossip leave broadcast. Defaults to 2s.
    LeaveTimeout time.Duration
    // OnLeave is called once the node has left and erased its state, so
    // the process can shut down.
    OnLeave func()
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.Manager == nil {
        return errors.New("cluster: nil Manager")
    }
    if o.Exchanger == nil {
        return errors.New("cluster: nil Exchanger")
    }
    if o.Type == nil {
        return errors.New("cluster: nil Type")
    }
    if o.Membership == nil {
        return errors.New("cluster: nil Membership")
    }
    return nil
}
