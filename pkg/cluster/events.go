package cluster

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-peerservice/pkg/membership"
)

type EventType string

const (
    EventMemberJoin   EventType = "member_join"
    EventMemberLeave  EventType = "member_leave"
    EventMemberUpdate EventType = "member_update"
    // EventLeft is published once this node has left the cluster.
    EventLeft EventType = "left"
)

// Event is an application-consumable event describing cluster changes.
// Only relevant fields for an event type are populated.
type Event struct {
    Type    EventType
    At      time.Time
    Member  *membership.MemberInfo
    Details map[string]string
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow to avoid back-pressuring internals.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
        close(ch)
    }()
    return ch
}

// internal event bus
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
