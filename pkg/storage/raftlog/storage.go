// Package raftlog replicates appended blocks through hashicorp/raft before
// they reach the journal.
package raftlog

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/pkg/storage/journal"
	"github.com/downfa11-org/logstream/util"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
)

type Raft interface {
	Apply([]byte, time.Duration) raft.ApplyFuture
	AddVoter(raft.ServerID, raft.ServerAddress, uint64, time.Duration) raft.IndexFuture
	RemoveServer(raft.ServerID, uint64, time.Duration) raft.IndexFuture
	Leader() raft.ServerAddress
	State() raft.RaftState
	GetConfiguration() raft.ConfigurationFuture
	BootstrapCluster(raft.Configuration) raft.Future
	Shutdown() raft.Future
}

type pendingAppend struct {
	listener storage.AppendListener
	once     sync.Once
}

// write reports OnWrite unless the write outcome was already decided.
func (p *pendingAppend) write(addr storage.Address) {
	p.once.Do(func() { p.listener.OnWrite(addr) })
}

// failWrite reports OnWriteError and returns true if the write outcome was
// still open.
func (p *pendingAppend) failWrite(err error) bool {
	failed := false
	p.once.Do(func() {
		failed = true
		p.listener.OnWriteError(err)
	})
	return failed
}

// Storage is a storage.LogStorage whose appends are raft commands. OnWrite
// fires once the leader stored the entry in its log, OnCommit once the
// entry is committed and applied to the journal.
type Storage struct {
	raft         Raft
	fsm          *FSM
	logs         raft.LogStore
	journal      *journal.Journal
	leadership   *Leadership
	nodeID       string
	applyTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingAppend

	done      chan struct{}
	closers   []func() error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var (
	_ storage.LogStorage      = (*Storage)(nil)
	_ storage.PositionTracker = (*Storage)(nil)
)

func newStorage(nodeID string, fsm *FSM, j *journal.Journal, applyTimeout time.Duration) *Storage {
	if applyTimeout <= 0 {
		applyTimeout = 5 * time.Second
	}
	return &Storage{
		fsm:          fsm,
		journal:      j,
		leadership:   newLeadership(nodeID),
		nodeID:       nodeID,
		applyTimeout: applyTimeout,
		pending:      make(map[string]*pendingAppend),
		done:         make(chan struct{}),
	}
}

func (s *Storage) Append(ctx context.Context, lowest, highest int64, block []byte, listener storage.AppendListener) error {
	if state := s.raft.State(); state != raft.Leader {
		metrics.RaftApplies.WithLabelValues("not_leader").Inc()
		listener.OnWriteError(storage.MarkNotLeader(
			errors.Newf("node %s is %s, leader is %q", s.nodeID, state, s.raft.Leader())))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	id := uuid.NewString()
	data, err := encodeCommand(command{ID: id, Lowest: lowest, Highest: highest, Block: block})
	if err != nil {
		return err
	}

	p := &pendingAppend{listener: listener}
	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()

	future := s.raft.Apply(data, s.applyTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.await(id, p, future)
	}()
	return nil
}

func (s *Storage) await(id string, p *pendingAppend, future raft.ApplyFuture) {
	err := future.Error()

	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	addr := storage.Address{Index: future.Index()}
	if err == nil {
		switch resp := future.Response().(type) {
		case storage.Address:
			addr = resp
		case error:
			err = errors.Wrapf(resp, "apply entry %d", addr.Index)
		}
	}

	if err != nil {
		err = classify(err)
		switch {
		case storage.IsBenign(err):
			metrics.RaftApplies.WithLabelValues("not_leader").Inc()
		default:
			metrics.RaftApplies.WithLabelValues("failure").Inc()
		}
		util.Debug("raft: append %s failed: %v", id, err)
		if !p.failWrite(err) {
			p.listener.OnCommitError(addr, err)
		}
		return
	}

	metrics.RaftApplies.WithLabelValues("success").Inc()
	p.write(addr)
	p.listener.OnCommit(addr)
}

// onStored is the log store hook. Entries this node proposed are reported
// written as soon as they are in the local log.
func (s *Storage) onStored(logs []*raft.Log) {
	for _, l := range logs {
		if l.Type != raft.LogCommand {
			continue
		}
		id, ok := commandID(l.Data)
		if !ok {
			continue
		}
		s.mu.Lock()
		p := s.pending[id]
		s.mu.Unlock()
		if p != nil {
			p.write(storage.Address{Index: l.Index, Term: l.Term})
		}
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return storage.MarkNotLeader(err)
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return storage.MarkTimeout(err)
	case errors.Is(err, raft.ErrRaftShutdown):
		return errors.Mark(err, storage.ErrClosed)
	}
	return err
}

func (s *Storage) IsLeader() bool { return s.leadership.IsLeader() }

func (s *Storage) Leadership() *Leadership { return s.leadership }

func (s *Storage) LeaderAddress() string { return string(s.raft.Leader()) }

func (s *Storage) FSM() *FSM { return s.fsm }

// tailScan bounds how many trailing raft log entries LastPosition decodes.
const tailScan = 64

// LastPosition is the highest position known to this node: applied to the
// journal, restored from a snapshot, or still waiting in the raft log.
func (s *Storage) LastPosition() (int64, bool) {
	var (
		last  int64
		found bool
	)
	take := func(p int64, ok bool) {
		if ok && (!found || p > last) {
			last, found = p, true
		}
	}
	if s.journal != nil {
		take(s.journal.LastPosition())
	}
	take(s.fsm.LastPosition())
	take(s.logTailPosition())
	return last, found
}

// logTailPosition decodes the newest command entry in the local raft log.
// Committed entries may sit there unapplied right after a restart.
func (s *Storage) logTailPosition() (int64, bool) {
	if s.logs == nil {
		return 0, false
	}
	first, err := s.logs.FirstIndex()
	if err != nil {
		return 0, false
	}
	lastIdx, err := s.logs.LastIndex()
	if err != nil || lastIdx == 0 {
		return 0, false
	}
	for idx := lastIdx; idx >= first && idx > 0 && lastIdx-idx < tailScan; idx-- {
		var l raft.Log
		if err := s.logs.GetLog(idx, &l); err != nil {
			util.Warn("raft log: read entry %d: %v", idx, err)
			return 0, false
		}
		if l.Type != raft.LogCommand {
			continue
		}
		cmd, err := decodeCommand(l.Data)
		if err != nil {
			continue
		}
		return cmd.Highest, true
	}
	return 0, false
}

func (s *Storage) AddVoter(id, addr string) error {
	util.Info("Adding voter %s at %s", id, addr)
	return s.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

func (s *Storage) RemoveServer(id string) error {
	util.Info("Removing server %s", id)
	return s.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second).Error()
}

// Close shuts raft down, waits for outstanding appends and closes the
// stores and the journal.
func (s *Storage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.raft != nil {
			if shutdownErr := s.raft.Shutdown().Error(); shutdownErr != nil {
				util.Error("Failed to shutdown raft: %v", shutdownErr)
				err = shutdownErr
			}
		}
		s.wg.Wait()
		for _, c := range s.closers {
			if cerr := c(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if s.journal != nil {
			if cerr := s.journal.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
