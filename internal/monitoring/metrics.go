package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the chat service. Registered once at import;
// the /metrics endpoint exposes the default registry.
var (
	// Message flow
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_messages_sent_total",
		Help: "Messages accepted by this node as primary",
	})

	MessagesReplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_messages_replicated_total",
		Help: "Messages merged from peer snapshots",
	})

	MessagesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_messages_forwarded_total",
		Help: "RPCs forwarded to a remote primary",
	})

	SendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsvc_send_duration_seconds",
		Help:    "End-to-end SendMessage latency including replication wait",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// RPC errors by taxonomy kind
	RPCErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsvc_rpc_errors_total",
		Help: "RPC errors by operation and error kind",
	}, []string{"rpc", "kind"})

	// Replication
	ReplicationSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsvc_replication_sends_total",
		Help: "Per-peer replication sends by outcome",
	}, []string{"outcome"})

	ReplicationQuorumFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_replication_quorum_failures_total",
		Help: "Replication jobs that failed to reach quorum W",
	})

	ReplicationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_replication_queue_depth",
		Help: "Jobs waiting in the replication queue",
	})

	ReplicationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsvc_replication_duration_seconds",
		Help:    "Replication job duration from enqueue to completion",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// Chat registry
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_active_chats",
		Help: "Chats currently held in memory",
	})

	LongPollWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_long_poll_waiters",
		Help: "Readers currently blocked in a long poll",
	})

	// Persistence
	PersistJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsvc_persist_jobs_total",
		Help: "Archive jobs by trigger (ended, zombie, takeover) and outcome",
	}, []string{"trigger", "outcome"})

	PersistQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_persist_queue_depth",
		Help: "Jobs waiting in the persistence queue",
	})

	// Garbage collection
	GCRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_gc_removals_total",
		Help: "Completed and persisted chats removed from memory",
	})

	GCZombies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_gc_zombies_total",
		Help: "Expired unpersisted chats flagged for archiving",
	})

	// Hashring
	HashringPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_hashring_peers",
		Help: "Distinct peers currently on the ring",
	})

	HashringChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsvc_hashring_changes_total",
		Help: "Ring membership change events observed",
	})

	// System (fed by the SystemCollector)
	SystemCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_system_cpu_percent",
		Help: "Process host CPU utilization percent",
	})

	SystemMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_system_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	SystemGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsvc_system_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesSent,
		MessagesReplicated,
		MessagesForwarded,
		SendDuration,
		RPCErrors,
		ReplicationSends,
		ReplicationQuorumFailures,
		ReplicationQueueDepth,
		ReplicationDuration,
		ActiveChats,
		LongPollWaiters,
		PersistJobs,
		PersistQueueDepth,
		GCRemovals,
		GCZombies,
		HashringPeers,
		HashringChanges,
		SystemCPUPercent,
		SystemMemoryBytes,
		SystemGoroutines,
	)
}
