package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ProtocolRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_protocol_retries_total",
			Help: "Requests redispatched after a retryable failure",
		},
		[]string{"group"},
	)

	ProtocolExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_protocol_retries_exhausted_total",
			Help: "Requests that failed after exhausting their retries",
		},
		[]string{"group"},
	)

	ProtocolRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logstream_protocol_session_recoveries_total",
			Help: "Session recoveries run after a disconnect",
		},
		[]string{"group", "result"},
	)
)
