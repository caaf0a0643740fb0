package raftlog

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/storage/journal"
	"github.com/downfa11-org/logstream/pkg/storage/pebblestore"
	"github.com/downfa11-org/logstream/util"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

func newLogger(nodeID string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft-" + nodeID,
		Level:  util.Level().HCLogLevel(),
		Output: os.Stderr,
	})
}

// Open starts a raft node over TCP whose log and stable state live in pebble
// under cfg.Dir. Committed entries are applied to j, which the returned
// Storage owns.
func Open(cfg config.RaftConfig, j *journal.Journal) (*Storage, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		util.Error("Failed to create raft data directory %s: %v", cfg.Dir, err)
		return nil, fmt.Errorf("failed to create raft data directory: %w", err)
	}
	logger := newLogger(cfg.NodeID)

	store, err := pebblestore.Open(filepath.Join(cfg.Dir, "log"), &pebble.Options{})
	if err != nil {
		return nil, err
	}

	retain := cfg.SnapshotRetain
	if retain <= 0 {
		retain = 2
	}
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(cfg.Dir, retain, logger)
	if err != nil {
		_ = store.Close()
		util.Error("Failed to create snapshot store: %v", err)
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.BindAddr
	}
	advertiseTCPAddr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		_ = store.Close()
		util.Error("Failed to resolve advertised address %s: %v", advertise, err)
		return nil, fmt.Errorf("failed to resolve advertised address: %w", err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertiseTCPAddr, 3, 10*time.Second, logger)
	if err != nil {
		_ = store.Close()
		util.Error("Failed to create raft transport: %v", err)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	s, err := openWith(cfg, j, store, snapshots, transport, logger)
	if err != nil {
		_ = transport.Close()
		_ = store.Close()
		return nil, err
	}
	s.closers = append(s.closers, transport.Close)
	return s, nil
}

func openWith(cfg config.RaftConfig, j *journal.Journal, store *pebblestore.Store, snapshots raft.SnapshotStore, transport raft.Transport, logger hclog.Logger) (*Storage, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.ProtocolVersion = raft.ProtocolVersionMax
	raftCfg.Logger = logger
	if cfg.HeartbeatTimeoutMS > 0 {
		raftCfg.HeartbeatTimeout = time.Duration(cfg.HeartbeatTimeoutMS) * time.Millisecond
	}
	if cfg.ElectionTimeoutMS > 0 {
		raftCfg.ElectionTimeout = time.Duration(cfg.ElectionTimeoutMS) * time.Millisecond
	}
	if cfg.CommitTimeoutMS > 0 {
		raftCfg.CommitTimeout = time.Duration(cfg.CommitTimeoutMS) * time.Millisecond
	}
	if raftCfg.LeaderLeaseTimeout > raftCfg.HeartbeatTimeout {
		raftCfg.LeaderLeaseTimeout = raftCfg.HeartbeatTimeout
	}
	if len(cfg.StaticMembers) >= 3 {
		raftCfg.PreVoteDisabled = true
	}

	notifyCh := make(chan bool, 10)
	raftCfg.NotifyCh = notifyCh

	fsm := NewFSM(j)
	s := newStorage(cfg.NodeID, fsm, j, time.Duration(cfg.ApplyTimeoutMS)*time.Millisecond)
	store.OnStored(s.onStored)
	s.logs = store

	r, err := raft.NewRaft(raftCfg, fsm, store, store, snapshots, transport)
	if err != nil {
		util.Error("Failed to create raft instance: %v", err)
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	s.raft = r
	s.closers = append(s.closers, store.Close)

	go s.leadership.observe(notifyCh, s.done)

	if cfg.Bootstrap {
		if err := bootstrap(r, cfg, transport.LocalAddr()); err != nil {
			_ = r.Shutdown().Error()
			return nil, err
		}
	}
	return s, nil
}

// bootstrap forms the initial configuration unless one exists. Without
// static members the cluster is this node alone.
func bootstrap(r Raft, cfg config.RaftConfig, local raft.ServerAddress) error {
	confFuture := r.GetConfiguration()
	if err := confFuture.Error(); err != nil {
		return fmt.Errorf("failed to read raft configuration: %w", err)
	}
	if len(confFuture.Configuration().Servers) > 0 {
		return nil
	}

	servers, err := parseMembers(cfg.StaticMembers)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		servers = []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: local, Suffrage: raft.Voter}}
	}

	util.Info("Bootstrapping raft cluster with %d members", len(servers))
	if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		util.Error("Failed to bootstrap static cluster: %v", err)
		return fmt.Errorf("failed to bootstrap static cluster: %w", err)
	}
	return nil
}

// parseMembers reads id@host:port entries. A bare host:port uses the host as
// its id.
func parseMembers(members []string) ([]raft.Server, error) {
	var servers []raft.Server
	for _, member := range members {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}

		var memberID, memberAddr string
		if id, addr, ok := strings.Cut(member, "@"); ok {
			memberID, memberAddr = id, addr
		} else {
			memberAddr = member
			memberID = strings.Split(memberAddr, ":")[0]
		}
		if memberID == "" || memberAddr == "" {
			return nil, fmt.Errorf("invalid static member %q", member)
		}

		servers = append(servers, raft.Server{
			ID:       raft.ServerID(memberID),
			Address:  raft.ServerAddress(memberAddr),
			Suffrage: raft.Voter,
		})
		util.Debug("Added static cluster member: id=%s addr=%s", memberID, memberAddr)
	}
	return servers, nil
}
