package raftlog

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/pkg/storage/journal"
	"github.com/downfa11-org/logstream/util"
	"github.com/hashicorp/raft"
)

// FSM applies committed commands to the journal at their raft index.
type FSM struct {
	journal *journal.Journal

	mu           sync.RWMutex
	lastIndex    uint64
	lastTerm     uint64
	lastPosition int64
	hasPosition  bool
}

type FSMState struct {
	Version   int    `json:"version"`
	LastIndex uint64 `json:"last_index"`
	LastTerm  uint64 `json:"last_term"`
	// LastPosition is nil until a command was applied.
	LastPosition *int64 `json:"last_position,omitempty"`
}

func NewFSM(j *journal.Journal) *FSM {
	return &FSM{journal: j}
}

// Apply returns the storage.Address of the entry, or an error.
func (f *FSM) Apply(log *raft.Log) interface{} {
	cmd, err := decodeCommand(log.Data)
	if err != nil {
		util.Error("raft fsm: index %d: %v", log.Index, err)
		return err
	}
	if err := f.journal.AppendAt(context.Background(), log.Index, log.Term, cmd.Lowest, cmd.Highest, cmd.Block); err != nil {
		util.Error("raft fsm: append index %d: %v", log.Index, err)
		return err
	}

	f.mu.Lock()
	f.lastIndex, f.lastTerm = log.Index, log.Term
	if !f.hasPosition || cmd.Highest > f.lastPosition {
		f.lastPosition, f.hasPosition = cmd.Highest, true
	}
	f.mu.Unlock()
	return storage.Address{Index: log.Index, Term: log.Term}
}

// LastPosition is the highest position applied or restored from a snapshot.
func (f *FSM) LastPosition() (int64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastPosition, f.hasPosition
}

// Applied is the address of the last applied entry.
func (f *FSM) Applied() storage.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return storage.Address{Index: f.lastIndex, Term: f.lastTerm}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	state := FSMState{Version: 1, LastIndex: f.lastIndex, LastTerm: f.lastTerm}
	if f.hasPosition {
		last := f.lastPosition
		state.LastPosition = &last
	}
	return &fsmSnapshot{state: state}, nil
}

// Restore resets the journal when the snapshot is ahead of it. Entries
// covered only by the snapshot are not backfilled.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state FSMState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		util.Error("raft fsm: failed to decode snapshot: %v", err)
		return err
	}
	if f.journal.LastIndex() < state.LastIndex {
		util.Info("raft fsm: journal behind snapshot %d, restarting it at %d", state.LastIndex, state.LastIndex+1)
		if err := f.journal.Reset(context.Background(), state.LastIndex+1); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.lastIndex, f.lastTerm = state.LastIndex, state.LastTerm
	if state.LastPosition != nil && (!f.hasPosition || *state.LastPosition > f.lastPosition) {
		f.lastPosition, f.hasPosition = *state.LastPosition, true
	}
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	state FSMState
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	util.Debug("Persisting snapshot data")
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		if cancelErr := sink.Cancel(); cancelErr != nil {
			util.Error("Failed to cancel snapshot after encoding error: %v", cancelErr)
		}
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
