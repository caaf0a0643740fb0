package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AppenderInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logstream_appender_inflight_appends",
			Help: "Appends submitted to storage and not yet committed",
		},
		[]string{"partition"},
	)

	AppenderLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logstream_appender_limit",
			Help: "Current concurrency limit of the append backpressure",
		},
		[]string{"partition"},
	)

	AppenderDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_appender_deferred_total",
			Help: "Peeks deferred because no append permit was free",
		},
		[]string{"partition"},
	)

	AppenderDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_appender_dropped_total",
			Help: "Append permits released with a drop or timeout signal",
		},
		[]string{"partition", "reason"}, // drop, timeout
	)

	AppendedBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_appender_blocks_total",
			Help: "Blocks handed to durable storage",
		},
		[]string{"partition"},
	)

	AppendedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_appender_bytes_total",
			Help: "Bytes handed to durable storage",
		},
		[]string{"partition"},
	)

	CommitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logstream_appender_commit_latency_seconds",
			Help:    "Time from storage append to durable commit",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"partition"},
	)

	DispatcherClaimsRefused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_dispatcher_claims_refused_total",
			Help: "Claims refused because the buffer was full",
		},
		[]string{"dispatcher"},
	)
)
