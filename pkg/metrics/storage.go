package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JournalEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_journal_entries_total",
			Help: "Entries written to the journal",
		},
		[]string{"journal"},
	)

	JournalSyncLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logstream_journal_sync_latency_seconds",
			Help:    "Duration of a journal flush and fsync",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"journal"},
	)

	JournalSegments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logstream_journal_segments",
			Help: "Live segment files of the journal",
		},
		[]string{"journal"},
	)

	RaftApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_raft_applies_total",
			Help: "Raft applies issued by the replicated storage",
		},
		[]string{"result"}, // success, not_leader, failure
	)

	LeadershipChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_raft_leadership_changes_total",
			Help: "Leadership transitions observed by this node",
		},
		[]string{"node", "role"}, // leader, follower
	)
)
