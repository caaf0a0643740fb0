package main

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/logstream"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/pkg/storage/journal"
	"github.com/downfa11-org/logstream/pkg/storage/raftlog"
	"github.com/downfa11-org/logstream/util"
)

// openPartitions opens every configured partition. In raft mode each
// partition is its own raft group on BindAddr's port plus the partition id.
func openPartitions(cfg *config.Config, sched *actor.Scheduler) ([]*logstream.LogStream, error) {
	streams := make([]*logstream.LogStream, 0, cfg.Partitions)
	for p := 0; p < cfg.Partitions; p++ {
		name := fmt.Sprintf("partition_%d", p)
		j, err := journal.Open(cfg.Journal, name)
		if err != nil {
			closeAll(context.Background(), streams)
			return nil, err
		}

		var store storage.LogStorage = j
		if cfg.Storage == "raft" {
			rcfg, err := partitionRaftConfig(cfg.Raft, p)
			if err != nil {
				_ = j.Close()
				closeAll(context.Background(), streams)
				return nil, err
			}
			rs, err := raftlog.Open(rcfg, j)
			if err != nil {
				_ = j.Close()
				closeAll(context.Background(), streams)
				return nil, err
			}
			store = rs
		}

		ls, err := logstream.Open(cfg, p, store, sched)
		if err != nil {
			_ = store.Close()
			closeAll(context.Background(), streams)
			return nil, err
		}
		streams = append(streams, ls)
		util.Info("📂 Partition %d opened on %s storage", p, cfg.Storage)
	}
	return streams, nil
}

func closeAll(ctx context.Context, streams []*logstream.LogStream) {
	for _, ls := range streams {
		if err := ls.Close(ctx); err != nil {
			util.Warn("Failed to close partition %d: %v", ls.Partition(), err)
		}
	}
}

func writers(streams []*logstream.LogStream) []*logstream.Writer {
	ws := make([]*logstream.Writer, len(streams))
	for i, ls := range streams {
		ws[i] = ls.Writer()
	}
	return ws
}

func partitionRaftConfig(cfg config.RaftConfig, partition int) (config.RaftConfig, error) {
	out := cfg
	out.Dir = filepath.Join(cfg.Dir, fmt.Sprintf("partition_%d", partition))

	var err error
	if out.BindAddr, err = shiftPort(cfg.BindAddr, partition); err != nil {
		return out, err
	}
	if cfg.AdvertiseAddr != "" {
		if out.AdvertiseAddr, err = shiftPort(cfg.AdvertiseAddr, partition); err != nil {
			return out, err
		}
	}
	out.StaticMembers = make([]string, len(cfg.StaticMembers))
	for i, m := range cfg.StaticMembers {
		id, addr, ok := strings.Cut(m, "@")
		if !ok {
			return out, fmt.Errorf("invalid static member %q, expected id@host:port", m)
		}
		if addr, err = shiftPort(addr, partition); err != nil {
			return out, err
		}
		out.StaticMembers[i] = id + "@" + addr
	}
	return out, nil
}

func shiftPort(addr string, by int) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(n+by)), nil
}
