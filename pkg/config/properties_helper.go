package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/downfa11-org/logstream/util"
	"github.com/google/uuid"
)

func (cfg *Config) Normalize() {
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	switch cfg.Storage {
	case "journal", "raft":
	default:
		if cfg.Storage != "" {
			util.Warn("Invalid storage '%s', defaulting to 'journal'", cfg.Storage)
		}
		cfg.Storage = "journal"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}

	// dispatcher
	d := &cfg.Dispatcher
	if d.PartitionCount < 2 {
		d.PartitionCount = 3
	}
	if d.PartitionSize <= 0 || d.PartitionSize%8 != 0 {
		d.PartitionSize = 4 << 20
	}
	if d.MaxFrameLength <= 0 || d.MaxFrameLength > d.PartitionSize {
		d.MaxFrameLength = d.PartitionSize
	}
	if d.MaxLag <= 0 {
		d.MaxLag = int64(d.PartitionCount) * int64(d.PartitionSize)
	}
	if d.MaxBlockLength <= 0 {
		d.MaxBlockLength = d.PartitionSize / 4
	}

	// backpressure
	bp := &cfg.Backpressure
	bp.Algorithm = strings.ToLower(strings.TrimSpace(bp.Algorithm))
	switch bp.Algorithm {
	case "vegas", "gradient2", "aimd", "fixed":
	default:
		if bp.Algorithm != "" {
			util.Warn("Invalid backpressure algorithm '%s', defaulting to 'vegas'", bp.Algorithm)
		}
		bp.Algorithm = "vegas"
	}
	if bp.FixedLimit <= 0 {
		bp.FixedLimit = 20
	}
	if bp.AIMD.RequestTimeout <= 0 {
		bp.AIMD.RequestTimeout = 15 * time.Second
	}
	if bp.AIMD.InitialLimit <= 0 {
		bp.AIMD.InitialLimit = 100
	}
	if bp.AIMD.MinLimit <= 0 {
		bp.AIMD.MinLimit = 1
	}
	if bp.AIMD.MaxLimit <= 0 {
		bp.AIMD.MaxLimit = 1000
	}
	if bp.AIMD.BackoffRatio <= 0 || bp.AIMD.BackoffRatio >= 1 {
		bp.AIMD.BackoffRatio = 0.9
	}
	if bp.Vegas.InitialLimit <= 0 {
		bp.Vegas.InitialLimit = 1024
	}
	if bp.Vegas.MaxLimit <= 0 {
		bp.Vegas.MaxLimit = 32768
	}
	if bp.Vegas.Alpha <= 0 {
		bp.Vegas.Alpha = 0.7
	}
	if bp.Vegas.Beta <= bp.Vegas.Alpha {
		bp.Vegas.Beta = 0.95
	}
	if bp.Gradient2.MinLimit <= 0 {
		bp.Gradient2.MinLimit = 10
	}
	if bp.Gradient2.InitialLimit <= 0 {
		bp.Gradient2.InitialLimit = 1024
	}
	if bp.Gradient2.MaxLimit <= 0 {
		bp.Gradient2.MaxLimit = 32768
	}
	if bp.Gradient2.QueueSize <= 0 {
		bp.Gradient2.QueueSize = 32
	}
	if bp.Gradient2.LongWindow <= 0 {
		bp.Gradient2.LongWindow = 1200
	}
	if bp.Window.MinWindow <= 0 {
		bp.Window.MinWindow = time.Second
	}
	if bp.Window.MaxWindow < bp.Window.MinWindow {
		bp.Window.MaxWindow = bp.Window.MinWindow
	}
	if bp.Window.WindowSize <= 0 {
		bp.Window.WindowSize = 10
	}
	if bp.Window.MinRTT <= 0 {
		bp.Window.MinRTT = 100 * time.Microsecond
	}

	// journal
	j := &cfg.Journal
	if strings.TrimSpace(j.Dir) == "" {
		j.Dir = "logstream-data/journal"
	}
	if j.SegmentSize < 1024 {
		j.SegmentSize = 64 << 20
	}
	if j.FlushBatchSize <= 0 {
		j.FlushBatchSize = 50
	}
	if j.LingerMS < 0 {
		j.LingerMS = 0
	}
	if j.IndexDensity <= 0 {
		j.IndexDensity = 100
	}
	if j.Compression == "" {
		j.Compression = "none"
	}
	if !util.IsCompression(j.Compression) {
		util.Warn("Invalid compression '%s', defaulting to 'none'", j.Compression)
		j.Compression = "none"
	}
	if j.RetentionHours <= 0 {
		j.RetentionHours = 168
	}
	if j.RetentionBytes == 0 {
		j.RetentionBytes = -1
	}
	if j.RetentionCheckIntervalMS <= 0 {
		j.RetentionCheckIntervalMS = 300000
	}

	// raft
	r := &cfg.Raft
	if strings.TrimSpace(r.NodeID) == "" {
		r.NodeID = uuid.NewString()
	}
	if strings.TrimSpace(r.BindAddr) == "" {
		r.BindAddr = "127.0.0.1:7000"
	}
	if strings.TrimSpace(r.AdvertiseAddr) == "" {
		r.AdvertiseAddr = r.BindAddr
	}
	if strings.TrimSpace(r.Dir) == "" {
		r.Dir = "logstream-data/raft"
	}
	if r.HeartbeatTimeoutMS <= 0 {
		r.HeartbeatTimeoutMS = 500
	}
	if r.ElectionTimeoutMS <= 0 {
		r.ElectionTimeoutMS = 1500
	}
	if r.ElectionTimeoutMS < r.HeartbeatTimeoutMS {
		util.Warn("ElectionTimeoutMS (%d ms) < HeartbeatTimeoutMS (%d ms), adjusting election timeout", r.ElectionTimeoutMS, r.HeartbeatTimeoutMS)
		r.ElectionTimeoutMS = r.HeartbeatTimeoutMS * 3
	}
	if r.CommitTimeoutMS <= 0 {
		r.CommitTimeoutMS = 100
	}
	if r.ApplyTimeoutMS <= 0 {
		r.ApplyTimeoutMS = 5000
	}
	if r.SnapshotRetain <= 0 {
		r.SnapshotRetain = 2
	}

	// protocol
	p := &cfg.Protocol
	if strings.TrimSpace(p.Group) == "" {
		p.Group = "logstream"
	}
	p.Partitioner = strings.ToLower(strings.TrimSpace(p.Partitioner))
	switch p.Partitioner {
	case "xxhash", "fnv":
	default:
		if p.Partitioner != "" {
			util.Warn("Invalid partitioner '%s', defaulting to 'xxhash'", p.Partitioner)
		}
		p.Partitioner = "xxhash"
	}
	p.Recovery = strings.ToLower(strings.TrimSpace(p.Recovery))
	switch p.Recovery {
	case "recover", "close":
	default:
		if p.Recovery != "" {
			util.Warn("Invalid recovery '%s', defaulting to 'recover'", p.Recovery)
		}
		p.Recovery = "recover"
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.RetryDelayMS < 0 {
		p.RetryDelayMS = 0
	}
}

func applyEnv(cfg *Config) {
	overrideEnvString(&cfg.Storage, "LOGSTREAM_STORAGE")
	overrideEnvInt(&cfg.Partitions, "LOGSTREAM_PARTITIONS")
	overrideEnvBool(&cfg.EnableExporter, "LOGSTREAM_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, "LOGSTREAM_EXPORTER_PORT")
	if v := os.Getenv("LOGSTREAM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = util.ParseLogLevel(v)
	}

	overrideEnvInt(&cfg.Dispatcher.PartitionCount, "LOGSTREAM_DISPATCHER_PARTITION_COUNT")
	overrideEnvInt(&cfg.Dispatcher.PartitionSize, "LOGSTREAM_DISPATCHER_PARTITION_SIZE")
	overrideEnvInt(&cfg.Dispatcher.MaxFrameLength, "LOGSTREAM_DISPATCHER_MAX_FRAME_LENGTH")
	overrideEnvInt64(&cfg.Dispatcher.MaxLag, "LOGSTREAM_DISPATCHER_MAX_LAG")
	overrideEnvInt(&cfg.Dispatcher.MaxBlockLength, "LOGSTREAM_DISPATCHER_MAX_BLOCK_LENGTH")

	bp := &cfg.Backpressure
	overrideEnvBool(&bp.Enabled, "LOGSTREAM_BACKPRESSURE")
	overrideEnvString(&bp.Algorithm, "LOGSTREAM_BACKPRESSURE_ALGORITHM")
	overrideEnvBool(&bp.Windowed, "LOGSTREAM_BACKPRESSURE_WINDOWED")
	overrideEnvInt(&bp.FixedLimit, "LOGSTREAM_BACKPRESSURE_FIXED_LIMIT")
	overrideEnvDuration(&bp.AIMD.RequestTimeout, "LOGSTREAM_BACKPRESSURE_AIMD_REQUEST_TIMEOUT")
	overrideEnvInt(&bp.AIMD.InitialLimit, "LOGSTREAM_BACKPRESSURE_AIMD_INITIAL_LIMIT")
	overrideEnvInt(&bp.AIMD.MinLimit, "LOGSTREAM_BACKPRESSURE_AIMD_MIN_LIMIT")
	overrideEnvInt(&bp.AIMD.MaxLimit, "LOGSTREAM_BACKPRESSURE_AIMD_MAX_LIMIT")
	overrideEnvFloat64(&bp.AIMD.BackoffRatio, "LOGSTREAM_BACKPRESSURE_AIMD_BACKOFF_RATIO")
	overrideEnvInt(&bp.Vegas.InitialLimit, "LOGSTREAM_BACKPRESSURE_VEGAS_INITIAL_LIMIT")
	overrideEnvInt(&bp.Vegas.MaxLimit, "LOGSTREAM_BACKPRESSURE_VEGAS_MAX_LIMIT")
	overrideEnvFloat64(&bp.Vegas.Alpha, "LOGSTREAM_BACKPRESSURE_VEGAS_ALPHA")
	overrideEnvFloat64(&bp.Vegas.Beta, "LOGSTREAM_BACKPRESSURE_VEGAS_BETA")
	overrideEnvInt(&bp.Gradient2.MinLimit, "LOGSTREAM_BACKPRESSURE_GRADIENT2_MIN_LIMIT")
	overrideEnvInt(&bp.Gradient2.InitialLimit, "LOGSTREAM_BACKPRESSURE_GRADIENT2_INITIAL_LIMIT")
	overrideEnvInt(&bp.Gradient2.MaxLimit, "LOGSTREAM_BACKPRESSURE_GRADIENT2_MAX_LIMIT")
	overrideEnvInt(&bp.Gradient2.QueueSize, "LOGSTREAM_BACKPRESSURE_GRADIENT2_QUEUE_SIZE")
	overrideEnvInt(&bp.Gradient2.LongWindow, "LOGSTREAM_BACKPRESSURE_GRADIENT2_LONG_WINDOW")

	j := &cfg.Journal
	overrideEnvString(&j.Dir, "LOGSTREAM_JOURNAL_DIR")
	overrideEnvInt64(&j.SegmentSize, "LOGSTREAM_JOURNAL_SEGMENT_SIZE")
	overrideEnvInt(&j.FlushBatchSize, "LOGSTREAM_JOURNAL_FLUSH_BATCH_SIZE")
	overrideEnvInt(&j.LingerMS, "LOGSTREAM_JOURNAL_LINGER_MS")
	overrideEnvInt(&j.IndexDensity, "LOGSTREAM_JOURNAL_INDEX_DENSITY")
	overrideEnvString(&j.Compression, "LOGSTREAM_JOURNAL_COMPRESSION")
	overrideEnvInt64(&j.RetentionBytes, "LOGSTREAM_JOURNAL_RETENTION_BYTES")
	overrideEnvInt(&j.RetentionHours, "LOGSTREAM_JOURNAL_RETENTION_HOURS")

	r := &cfg.Raft
	overrideEnvString(&r.NodeID, "LOGSTREAM_RAFT_NODE_ID")
	overrideEnvString(&r.BindAddr, "LOGSTREAM_RAFT_BIND_ADDR")
	overrideEnvString(&r.AdvertiseAddr, "LOGSTREAM_RAFT_ADVERTISE_ADDR")
	overrideEnvString(&r.Dir, "LOGSTREAM_RAFT_DIR")
	overrideEnvBool(&r.Bootstrap, "LOGSTREAM_RAFT_BOOTSTRAP")
	overrideEnvStringSlice(&r.StaticMembers, "LOGSTREAM_RAFT_STATIC_MEMBERS")
	overrideEnvInt(&r.ApplyTimeoutMS, "LOGSTREAM_RAFT_APPLY_TIMEOUT_MS")

	p := &cfg.Protocol
	overrideEnvString(&p.Group, "LOGSTREAM_PROTOCOL_GROUP")
	overrideEnvString(&p.Partitioner, "LOGSTREAM_PROTOCOL_PARTITIONER")
	overrideEnvString(&p.Recovery, "LOGSTREAM_PROTOCOL_RECOVERY")
	overrideEnvInt(&p.MaxRetries, "LOGSTREAM_PROTOCOL_MAX_RETRIES")
	overrideEnvInt(&p.RetryDelayMS, "LOGSTREAM_PROTOCOL_RETRY_DELAY_MS")
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt64(v, *target)
	}
}

func overrideEnvFloat64(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvDuration(target *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseDuration(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func overrideEnvStringSlice(target *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, s := range parts {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		*target = result
	}
}
