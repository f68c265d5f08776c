package peerservice

import (
    "errors"

    "github.com/rs/zerolog"

    "github.com/amirimatin/go-peerservice/pkg/cache"
    "github.com/amirimatin/go-peerservice/pkg/state"
    "github.com/amirimatin/go-peerservice/pkg/store"
)

// TableName is the cache table the manager owns within its Registry.
const TableName = "peer_service"

// Options carries the collaborators of a Manager.
type Options struct {
    // NodeID is the stable identifier of this node. It is the element added
    // to the set on first boot and an input of actor generation.
    NodeID string
    // Store persists the state. A disabled store keeps the manager in
    // memory-only mode.
    Store store.Store
    // Type constructs and decodes the replicated set.
    Type state.Type
    // Registry holds the cache table. When nil a private registry is used.
    // Share one registry between managers to observe duplicate
    // initialization within a process.
    Registry *cache.Registry
    // Logger defaults to the zerolog global logger.
    Logger *zerolog.Logger
    // MailboxSize bounds the number of queued requests. Defaults to 64.
    MailboxSize int
    // OnStorageFault, when set, is invoked from the worker for every
    // storage fault. Processes use it to fail fast and restart.
    OnStorageFault func(err error)
}

// Validate performs a minimal validation of Options.
func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("peerservice: empty NodeID")
    }
    if o.Store == nil {
        return errors.New("peerservice: nil Store")
    }
    if o.Type == nil {
        return errors.New("peerservice: nil Type")
    }
    if o.MailboxSize < 0 {
        return errors.New("peerservice: negative MailboxSize")
    }
    return nil
}
