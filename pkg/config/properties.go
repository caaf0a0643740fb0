package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/downfa11-org/logstream/util"
	"gopkg.in/yaml.v3"
)

type DispatcherConfig struct {
	PartitionCount int   `yaml:"partition_count" json:"partition.count"`
	PartitionSize  int   `yaml:"partition_size" json:"partition.size"`
	MaxFrameLength int   `yaml:"max_frame_length" json:"max.frame.length"`
	MaxLag         int64 `yaml:"max_lag" json:"max.lag"`
	// MaxBlockLength bounds a single block handed to storage.
	MaxBlockLength int `yaml:"max_block_length" json:"max.block.length"`
}

type AIMDConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request.timeout"`
	InitialLimit   int           `yaml:"initial_limit" json:"initial.limit"`
	MinLimit       int           `yaml:"min_limit" json:"min.limit"`
	MaxLimit       int           `yaml:"max_limit" json:"max.limit"`
	BackoffRatio   float64       `yaml:"backoff_ratio" json:"backoff.ratio"`
}

type VegasConfig struct {
	InitialLimit int `yaml:"initial_limit" json:"initial.limit"`
	MaxLimit     int `yaml:"max_limit" json:"max.limit"`
	// Alpha and Beta scale the current limit into the queue thresholds.
	Alpha float64 `yaml:"alpha" json:"alpha"`
	Beta  float64 `yaml:"beta" json:"beta"`
}

type Gradient2Config struct {
	MinLimit     int `yaml:"min_limit" json:"min.limit"`
	InitialLimit int `yaml:"initial_limit" json:"initial.limit"`
	MaxLimit     int `yaml:"max_limit" json:"max.limit"`
	QueueSize    int `yaml:"queue_size" json:"queue.size"`
	LongWindow   int `yaml:"long_window" json:"long.window"`
}

type WindowConfig struct {
	MinWindow  time.Duration `yaml:"min_window" json:"min.window"`
	MaxWindow  time.Duration `yaml:"max_window" json:"max.window"`
	WindowSize int           `yaml:"window_size" json:"window.size"`
	MinRTT     time.Duration `yaml:"min_rtt" json:"min.rtt"`
}

type Backpressure struct {
	Enabled    bool            `yaml:"enabled" json:"enabled"`
	Algorithm  string          `yaml:"algorithm" json:"algorithm"` // vegas, gradient2, aimd, fixed
	Windowed   bool            `yaml:"windowed" json:"windowed"`
	FixedLimit int             `yaml:"fixed_limit" json:"fixed.limit"`
	AIMD       AIMDConfig      `yaml:"aimd" json:"aimd"`
	Vegas      VegasConfig     `yaml:"vegas" json:"vegas"`
	Gradient2  Gradient2Config `yaml:"gradient2" json:"gradient2"`
	Window     WindowConfig    `yaml:"window" json:"window"`
}

type JournalConfig struct {
	Dir                      string `yaml:"dir" json:"dir"`
	SegmentSize              int64  `yaml:"segment_size" json:"segment.size"`
	FlushBatchSize           int    `yaml:"flush_batch_size" json:"flush.batch.size"`
	LingerMS                 int    `yaml:"linger_ms" json:"linger.ms"`
	IndexDensity             int    `yaml:"index_density" json:"index.density"`
	Compression              string `yaml:"compression" json:"compression"`
	RetentionBytes           int64  `yaml:"retention_bytes" json:"retention.bytes"`
	RetentionHours           int    `yaml:"retention_hours" json:"retention.hours"`
	RetentionCheckIntervalMS int    `yaml:"retention_check_interval_ms" json:"retention.check.interval.ms"`
}

type RaftConfig struct {
	NodeID             string   `yaml:"node_id" json:"node.id"`
	BindAddr           string   `yaml:"bind_addr" json:"bind.addr"`
	AdvertiseAddr      string   `yaml:"advertise_addr" json:"advertise.addr"`
	Dir                string   `yaml:"dir" json:"dir"`
	Bootstrap          bool     `yaml:"bootstrap" json:"bootstrap"`
	StaticMembers      []string `yaml:"static_members" json:"static.members"` // id@host:port
	HeartbeatTimeoutMS int      `yaml:"heartbeat_timeout_ms" json:"heartbeat.timeout.ms"`
	ElectionTimeoutMS  int      `yaml:"election_timeout_ms" json:"election.timeout.ms"`
	CommitTimeoutMS    int      `yaml:"commit_timeout_ms" json:"commit.timeout.ms"`
	ApplyTimeoutMS     int      `yaml:"apply_timeout_ms" json:"apply.timeout.ms"`
	SnapshotRetain     int      `yaml:"snapshot_retain" json:"snapshot.retain"`
}

type ProtocolConfig struct {
	Group        string `yaml:"group" json:"group"`
	Partitioner  string `yaml:"partitioner" json:"partitioner"` // xxhash, fnv
	Recovery     string `yaml:"recovery" json:"recovery"`       // recover, close
	MaxRetries   int    `yaml:"max_retries" json:"max.retries"`
	RetryDelayMS int    `yaml:"retry_delay_ms" json:"retry.delay.ms"`
}

// Config is the node configuration. It is read once at startup.
type Config struct {
	// Storage selects the durable target: journal (local only) or raft.
	Storage    string `yaml:"storage" json:"storage"`
	Partitions int    `yaml:"partitions" json:"partitions"`

	Dispatcher   DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`
	Backpressure Backpressure     `yaml:"backpressure" json:"backpressure"`
	Journal      JournalConfig    `yaml:"journal" json:"journal"`
	Raft         RaftConfig       `yaml:"raft" json:"raft"`
	Protocol     ProtocolConfig   `yaml:"protocol" json:"protocol"`

	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port"`
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`
}

// LoadConfig builds the configuration from flag defaults, then the config
// file, then explicitly set flags, then LOGSTREAM_* environment variables.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("logstream", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML/JSON config file")
	fs.String("log-level", "info", "Log Level (debug, info, warn, error)")
	fs.String("exporter", "true", "Enable Prometheus exporter")
	fs.String("exporter-port", "9100", "Exporter port")
	fs.String("storage", "journal", "Durable storage (journal, raft)")
	fs.String("partitions", "1", "Number of log partitions")
	fs.String("data-dir", "logstream-data", "Base directory for journal and raft data")
	fs.String("node-id", "", "Raft node id (default: random uuid)")
	fs.String("raft-bind", "127.0.0.1:7000", "Raft bind address")
	fs.String("bootstrap", "false", "Bootstrap the raft cluster")
	fs.String("backpressure", "true", "Enable append backpressure")
	fs.String("algorithm", "vegas", "Backpressure algorithm (vegas, gradient2, aimd, fixed)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	fs.VisitAll(func(f *flag.Flag) { applyFlag(cfg, f.Name, f.Value.String()) })

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, err
		}

		if strings.HasSuffix(*configPath, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", *configPath, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", *configPath, err)
			}
		}
	}

	fs.Visit(func(f *flag.Flag) { applyFlag(cfg, f.Name, f.Value.String()) })
	applyEnv(cfg)

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func applyFlag(cfg *Config, name, value string) {
	switch name {
	case "log-level":
		cfg.LogLevel = util.ParseLogLevel(value)
	case "exporter":
		cfg.EnableExporter = util.ParseBool(value, cfg.EnableExporter)
	case "exporter-port":
		cfg.ExporterPort = util.ParseInt(value, cfg.ExporterPort)
	case "storage":
		cfg.Storage = value
	case "partitions":
		cfg.Partitions = util.ParseInt(value, cfg.Partitions)
	case "data-dir":
		cfg.Journal.Dir = value + "/journal"
		cfg.Raft.Dir = value + "/raft"
	case "node-id":
		cfg.Raft.NodeID = value
	case "raft-bind":
		cfg.Raft.BindAddr = value
	case "bootstrap":
		cfg.Raft.Bootstrap = util.ParseBool(value, cfg.Raft.Bootstrap)
	case "backpressure":
		cfg.Backpressure.Enabled = util.ParseBool(value, cfg.Backpressure.Enabled)
	case "algorithm":
		cfg.Backpressure.Algorithm = value
	}
}
