package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/downfa11-org/logstream/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(AppenderInflight, AppenderLimit, AppenderDeferred, AppenderDropped, AppendedBlocks, AppendedBytes, CommitLatency)
	prometheus.MustRegister(DispatcherClaimsRefused)
	prometheus.MustRegister(JournalEntries, JournalSyncLatency, JournalSegments, RaftApplies, LeadershipChanges)
	prometheus.MustRegister(ProtocolRetries, ProtocolExhausted, ProtocolRecoveries)
}

// StartMetricsServer serves /metrics on port in the background.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		util.Info("[METRICS] Prometheus exporter listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Error("[METRICS] Failed to start metrics server: %v", err)
		}
	}()
	return srv
}

// ObserveCommit records one committed block for partition.
func ObserveCommit(partition string, bytes int, elapsed time.Duration) {
	AppendedBlocks.WithLabelValues(partition).Inc()
	AppendedBytes.WithLabelValues(partition).Add(float64(bytes))
	CommitLatency.WithLabelValues(partition).Observe(elapsed.Seconds())
}
