package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/util"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Normalize()

	if cfg.Storage != "journal" {
		t.Errorf("Storage default incorrect: %s", cfg.Storage)
	}
	if cfg.Dispatcher.PartitionCount != 3 || cfg.Dispatcher.PartitionSize != 4<<20 {
		t.Errorf("Dispatcher defaults incorrect: %+v", cfg.Dispatcher)
	}
	if cfg.Dispatcher.MaxLag != 3*(4<<20) {
		t.Errorf("MaxLag default incorrect: %d", cfg.Dispatcher.MaxLag)
	}
	if cfg.Backpressure.Algorithm != "vegas" {
		t.Errorf("Algorithm default incorrect: %s", cfg.Backpressure.Algorithm)
	}
	if cfg.Backpressure.AIMD.RequestTimeout != 15*time.Second || cfg.Backpressure.AIMD.BackoffRatio != 0.9 {
		t.Errorf("AIMD defaults incorrect: %+v", cfg.Backpressure.AIMD)
	}
	if cfg.Backpressure.Gradient2.LongWindow != 1200 || cfg.Backpressure.Gradient2.QueueSize != 32 {
		t.Errorf("Gradient2 defaults incorrect: %+v", cfg.Backpressure.Gradient2)
	}
	if cfg.Backpressure.Window.MinRTT != 100*time.Microsecond {
		t.Errorf("Window MinRTT default incorrect: %v", cfg.Backpressure.Window.MinRTT)
	}
	if cfg.Journal.IndexDensity != 100 || cfg.Journal.Compression != "none" {
		t.Errorf("Journal defaults incorrect: %+v", cfg.Journal)
	}
	if cfg.Raft.NodeID == "" {
		t.Errorf("NodeID should default to a generated id")
	}
	if cfg.Raft.AdvertiseAddr != cfg.Raft.BindAddr {
		t.Errorf("AdvertiseAddr should default to BindAddr")
	}
	if cfg.Protocol.Partitioner != "xxhash" || cfg.Protocol.Recovery != "recover" {
		t.Errorf("Protocol defaults incorrect: %+v", cfg.Protocol)
	}
}

func TestNormalizeInvalidEnums(t *testing.T) {
	cfg := &config.Config{
		Storage:      "tape",
		Backpressure: config.Backpressure{Algorithm: "magic"},
		Journal:      config.JournalConfig{Compression: "brotli"},
		Protocol:     config.ProtocolConfig{Partitioner: "murmur", Recovery: "ignore", MaxRetries: -3},
	}
	cfg.Normalize()

	if cfg.Storage != "journal" {
		t.Errorf("Storage normalization failed: %s", cfg.Storage)
	}
	if cfg.Backpressure.Algorithm != "vegas" {
		t.Errorf("Algorithm normalization failed: %s", cfg.Backpressure.Algorithm)
	}
	if cfg.Journal.Compression != "none" {
		t.Errorf("Compression normalization failed: %s", cfg.Journal.Compression)
	}
	if cfg.Protocol.Partitioner != "xxhash" || cfg.Protocol.Recovery != "recover" {
		t.Errorf("Protocol normalization failed: %+v", cfg.Protocol)
	}
	if cfg.Protocol.MaxRetries != 0 {
		t.Errorf("MaxRetries normalization failed: %d", cfg.Protocol.MaxRetries)
	}
}

func TestNormalizeElectionTimeout(t *testing.T) {
	cfg := &config.Config{Raft: config.RaftConfig{HeartbeatTimeoutMS: 1000, ElectionTimeoutMS: 200}}
	cfg.Normalize()

	if cfg.Raft.ElectionTimeoutMS != 3000 {
		t.Errorf("ElectionTimeoutMS adjustment failed: %d", cfg.Raft.ElectionTimeoutMS)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logstream.yaml")
	yaml := `
storage: raft
partitions: 4
log_level: debug
backpressure:
  algorithm: aimd
  aimd:
    request_timeout: 3s
journal:
  compression: zstd
  index_density: 10
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONFIG_PATH", "")
	t.Setenv("LOGSTREAM_JOURNAL_INDEX_DENSITY", "25")
	t.Setenv("LOGSTREAM_PROTOCOL_MAX_RETRIES", "2")

	cfg, err := config.LoadConfig([]string{"-config", path, "-partitions", "8"})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	defer util.SetLevel(util.LogLevelInfo)

	if cfg.Storage != "raft" {
		t.Errorf("file value lost: storage=%s", cfg.Storage)
	}
	if cfg.Partitions != 8 {
		t.Errorf("explicit flag should win over file: partitions=%d", cfg.Partitions)
	}
	if cfg.LogLevel != util.LogLevelDebug {
		t.Errorf("log level from file lost: %v", cfg.LogLevel)
	}
	if cfg.Backpressure.Algorithm != "aimd" || cfg.Backpressure.AIMD.RequestTimeout != 3*time.Second {
		t.Errorf("backpressure from file lost: %+v", cfg.Backpressure)
	}
	if !cfg.Backpressure.Enabled {
		t.Errorf("backpressure flag default should enable it")
	}
	if cfg.Journal.Compression != "zstd" {
		t.Errorf("compression from file lost: %s", cfg.Journal.Compression)
	}
	if cfg.Journal.IndexDensity != 25 {
		t.Errorf("env should win over file: index_density=%d", cfg.Journal.IndexDensity)
	}
	if cfg.Protocol.MaxRetries != 2 {
		t.Errorf("env max retries lost: %d", cfg.Protocol.MaxRetries)
	}
	if cfg.Journal.Dir != "logstream-data/journal" {
		t.Errorf("data-dir default not applied: %s", cfg.Journal.Dir)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logstream.json")
	if err := os.WriteFile(path, []byte(`{"log_level":"warn","protocol":{"group":"jobs","max.retries":3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	defer util.SetLevel(util.LogLevelInfo)

	if cfg.Protocol.Group != "jobs" || cfg.Protocol.MaxRetries != 3 {
		t.Errorf("json protocol section lost: %+v", cfg.Protocol)
	}
	if cfg.LogLevel != util.LogLevelWarn {
		t.Errorf("json log level lost: %v", cfg.LogLevel)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	if _, err := config.LoadConfig([]string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
