package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    Members = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "peer_service",
        Name:      "members_total",
        Help:      "Number of node ids in the local membership state",
    })

    GossipPeers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "peer_service",
        Name:      "gossip_peers",
        Help:      "Number of live peers seen by the gossip layer",
    })

    Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "peer_service",
        Subsystem: "manager",
        Name:      "operations_total",
        Help:      "State manager operations by op and result",
    }, []string{"op", "result"})

    OperationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: "peer_service",
        Subsystem: "manager",
        Name:      "operation_seconds",
        Help:      "Time spent serving a state manager operation, queueing included",
        Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
    }, []string{"op"})

    StorageFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "peer_service",
        Subsystem: "store",
        Name:      "faults_total",
        Help:      "Storage faults by operation",
    }, []string{"op"})

    StorageWrites = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "peer_service",
        Subsystem: "store",
        Name:      "writes_total",
        Help:      "Successful state file writes",
    })

    Merges = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "peer_service",
        Subsystem: "gossip",
        Name:      "merges_total",
        Help:      "Remote state merges by outcome (changed, unchanged, error)",
    }, []string{"outcome"})

    Broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "peer_service",
        Subsystem: "gossip",
        Name:      "broadcasts_total",
        Help:      "Local state broadcasts queued",
    })

    MemberEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "peer_service",
        Subsystem: "gossip",
        Name:      "member_events_total",
        Help:      "Gossip member events by type",
    }, []string{"type"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Members)
        prometheus.MustRegister(GossipPeers)
        prometheus.MustRegister(Operations)
        prometheus.MustRegister(OperationSeconds)
        prometheus.MustRegister(StorageFaults)
        prometheus.MustRegister(StorageWrites)
        prometheus.MustRegister(Merges)
        prometheus.MustRegister(Broadcasts)
        prometheus.MustRegister(MemberEvents)
    })
}
