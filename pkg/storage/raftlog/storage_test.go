package raftlog

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/position"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/pkg/storage/journal"
	"github.com/downfa11-org/logstream/pkg/storage/pebblestore"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockRaft struct {
	ApplyFunc            func([]byte, time.Duration) raft.ApplyFuture
	AddVoterFunc         func(raft.ServerID, raft.ServerAddress, uint64, time.Duration) raft.IndexFuture
	StateFunc            func() raft.RaftState
	BootstrapClusterFunc func(raft.Configuration) raft.Future
	Servers              []raft.Server
}

func (m *MockRaft) Apply(d []byte, t time.Duration) raft.ApplyFuture {
	if m.ApplyFunc == nil {
		return &MockFuture{}
	}
	return m.ApplyFunc(d, t)
}

func (m *MockRaft) AddVoter(id raft.ServerID, addr raft.ServerAddress, idx uint64, t time.Duration) raft.IndexFuture {
	if m.AddVoterFunc == nil {
		return &MockFuture{}
	}
	return m.AddVoterFunc(id, addr, idx, t)
}

func (m *MockRaft) RemoveServer(raft.ServerID, uint64, time.Duration) raft.IndexFuture {
	return &MockFuture{}
}

func (m *MockRaft) State() raft.RaftState {
	if m.StateFunc == nil {
		return raft.Leader
	}
	return m.StateFunc()
}

func (m *MockRaft) Leader() raft.ServerAddress { return "127.0.0.1:7001" }

func (m *MockRaft) Shutdown() raft.Future { return &MockFuture{} }

func (m *MockRaft) BootstrapCluster(c raft.Configuration) raft.Future {
	if m.BootstrapClusterFunc == nil {
		return &MockFuture{}
	}
	return m.BootstrapClusterFunc(c)
}

func (m *MockRaft) GetConfiguration() raft.ConfigurationFuture {
	return &MockConfigurationFuture{servers: m.Servers}
}

type MockFuture struct {
	ErrorVal    error
	ResponseVal interface{}
	IndexVal    uint64
}

func (m *MockFuture) Error() error          { return m.ErrorVal }
func (m *MockFuture) Response() interface{} { return m.ResponseVal }
func (m *MockFuture) Index() uint64         { return m.IndexVal }

type MockConfigurationFuture struct {
	raft.ConfigurationFuture
	servers []raft.Server
}

func (m *MockConfigurationFuture) Error() error { return nil }
func (m *MockConfigurationFuture) Configuration() raft.Configuration {
	return raft.Configuration{Servers: m.servers}
}

type MockSnapshotSink struct {
	io.Writer
	closed bool
}

func (m *MockSnapshotSink) ID() string    { return "" }
func (m *MockSnapshotSink) Close() error  { m.closed = true; return nil }
func (m *MockSnapshotSink) Cancel() error { return nil }

type event struct {
	kind string
	addr storage.Address
	err  error
}

type listener struct {
	mu     sync.Mutex
	events []event
	done   chan struct{}
	once   sync.Once
}

func newListener() *listener { return &listener{done: make(chan struct{})} }

func (l *listener) add(e event, final bool) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	if final {
		l.once.Do(func() { close(l.done) })
	}
}

func (l *listener) OnWrite(a storage.Address)      { l.add(event{kind: "write", addr: a}, false) }
func (l *listener) OnWriteError(err error)         { l.add(event{kind: "write_error", err: err}, true) }
func (l *listener) OnCommit(a storage.Address)     { l.add(event{kind: "commit", addr: a}, true) }
func (l *listener) OnCommitError(a storage.Address, err error) {
	l.add(event{kind: "commit_error", addr: a, err: err}, true)
}

func (l *listener) wait(t *testing.T) []event {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener was not completed")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event(nil), l.events...)
}

func newTestStorage(r *MockRaft) *Storage {
	s := newStorage("node-1", NewFSM(nil), nil, time.Second)
	s.raft = r
	return s
}

func TestAppend_NotLeader(t *testing.T) {
	called := false
	s := newTestStorage(&MockRaft{
		StateFunc: func() raft.RaftState { return raft.Follower },
		ApplyFunc: func([]byte, time.Duration) raft.ApplyFuture {
			called = true
			return &MockFuture{}
		},
	})

	l := newListener()
	require.NoError(t, s.Append(context.Background(), 0, 10, []byte("block"), l))
	events := l.wait(t)

	require.Len(t, events, 1)
	assert.Equal(t, "write_error", events[0].kind)
	assert.True(t, storage.IsBenign(events[0].err))
	assert.False(t, called, "a follower must not propose")
}

func TestAppend_CommitsWithAppliedAddress(t *testing.T) {
	var proposed command
	s := newTestStorage(&MockRaft{
		ApplyFunc: func(data []byte, _ time.Duration) raft.ApplyFuture {
			cmd, err := decodeCommand(data)
			require.NoError(t, err)
			proposed = cmd
			return &MockFuture{IndexVal: 7, ResponseVal: storage.Address{Index: 7, Term: 2}}
		},
	})

	l := newListener()
	require.NoError(t, s.Append(context.Background(), 100, 164, []byte("block"), l))
	events := l.wait(t)

	assert.Equal(t, []event{
		{kind: "write", addr: storage.Address{Index: 7, Term: 2}},
		{kind: "commit", addr: storage.Address{Index: 7, Term: 2}},
	}, events)
	assert.Equal(t, int64(100), proposed.Lowest)
	assert.Equal(t, int64(164), proposed.Highest)
	assert.Equal(t, []byte("block"), proposed.Block)
	assert.NotEmpty(t, proposed.ID)
}

func TestAppend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		benign  bool
		timeout bool
	}{
		{"LeadershipLost", raft.ErrLeadershipLost, true, false},
		{"NotLeader", raft.ErrNotLeader, true, false},
		{"Transfer", raft.ErrLeadershipTransferInProgress, true, false},
		{"EnqueueTimeout", raft.ErrEnqueueTimeout, false, true},
		{"Shutdown", raft.ErrRaftShutdown, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStorage(&MockRaft{
				ApplyFunc: func([]byte, time.Duration) raft.ApplyFuture {
					return &MockFuture{ErrorVal: tt.err}
				},
			})

			l := newListener()
			require.NoError(t, s.Append(context.Background(), 0, 1, []byte("x"), l))
			events := l.wait(t)

			require.Len(t, events, 1)
			assert.Equal(t, "write_error", events[0].kind)
			assert.Equal(t, tt.benign, storage.IsBenign(events[0].err))
			assert.Equal(t, tt.timeout, storage.IsTimeout(events[0].err))
			assert.ErrorIs(t, events[0].err, tt.err)
		})
	}
}

func TestAppend_StoredThenLost(t *testing.T) {
	var s *Storage
	s = newTestStorage(&MockRaft{
		ApplyFunc: func(data []byte, _ time.Duration) raft.ApplyFuture {
			// The leader stored the entry before it lost leadership.
			s.onStored([]*raft.Log{{Index: 9, Term: 3, Type: raft.LogCommand, Data: data}})
			return &MockFuture{IndexVal: 9, ErrorVal: raft.ErrLeadershipLost}
		},
	})

	l := newListener()
	require.NoError(t, s.Append(context.Background(), 0, 1, []byte("x"), l))
	events := l.wait(t)

	require.Len(t, events, 2)
	assert.Equal(t, event{kind: "write", addr: storage.Address{Index: 9, Term: 3}}, events[0])
	assert.Equal(t, "commit_error", events[1].kind)
	assert.True(t, storage.IsBenign(events[1].err))
}

func TestAppend_ApplyFailureBeforeStore(t *testing.T) {
	s := newTestStorage(&MockRaft{
		ApplyFunc: func(data []byte, _ time.Duration) raft.ApplyFuture {
			return &MockFuture{IndexVal: 4, ResponseVal: io.ErrShortWrite}
		},
	})

	l := newListener()
	require.NoError(t, s.Append(context.Background(), 0, 1, []byte("x"), l))
	events := l.wait(t)

	// Without a stored notification the write outcome is decided by the error.
	require.Len(t, events, 1)
	assert.Equal(t, "write_error", events[0].kind)
	assert.ErrorIs(t, events[0].err, io.ErrShortWrite)
	assert.False(t, storage.IsBenign(events[0].err))
}

func TestOnStored_IgnoresForeignEntries(t *testing.T) {
	s := newTestStorage(&MockRaft{})
	data, err := encodeCommand(command{ID: "someone-else", Block: []byte("x")})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		s.onStored([]*raft.Log{
			{Index: 1, Type: raft.LogConfiguration, Data: []byte("not a command")},
			{Index: 2, Type: raft.LogCommand, Data: data},
			{Index: 3, Type: raft.LogCommand, Data: []byte{0xc1}},
		})
	})
}

func TestAddVoter_Success(t *testing.T) {
	called := false
	s := newTestStorage(&MockRaft{
		AddVoterFunc: func(id raft.ServerID, addr raft.ServerAddress, idx uint64, timeout time.Duration) raft.IndexFuture {
			called = true
			if id != "node2" || addr != "127.0.0.1:8001" {
				t.Errorf("Unexpected voter data: %v, %v", id, addr)
			}
			return &MockFuture{}
		},
	})

	if err := s.AddVoter("node2", "127.0.0.1:8001"); err != nil {
		t.Fatalf("AddVoter failed: %v", err)
	}
	if !called {
		t.Error("AddVoterFunc was not called")
	}
}

func TestBootstrap(t *testing.T) {
	t.Run("SingleNode", func(t *testing.T) {
		var got raft.Configuration
		r := &MockRaft{BootstrapClusterFunc: func(c raft.Configuration) raft.Future {
			got = c
			return &MockFuture{}
		}}
		require.NoError(t, bootstrap(r, config.RaftConfig{NodeID: "n1"}, "127.0.0.1:7000"))
		require.Len(t, got.Servers, 1)
		assert.Equal(t, raft.ServerID("n1"), got.Servers[0].ID)
		assert.Equal(t, raft.ServerAddress("127.0.0.1:7000"), got.Servers[0].Address)
	})

	t.Run("StaticMembers", func(t *testing.T) {
		var got raft.Configuration
		r := &MockRaft{BootstrapClusterFunc: func(c raft.Configuration) raft.Future {
			got = c
			return &MockFuture{}
		}}
		cfg := config.RaftConfig{NodeID: "n1", StaticMembers: []string{"n1@10.0.0.1:7000", " 10.0.0.2:7000 ", ""}}
		require.NoError(t, bootstrap(r, cfg, "10.0.0.1:7000"))
		require.Len(t, got.Servers, 2)
		assert.Equal(t, raft.ServerID("n1"), got.Servers[0].ID)
		assert.Equal(t, raft.ServerID("10.0.0.2"), got.Servers[1].ID)
	})

	t.Run("AlreadyConfigured", func(t *testing.T) {
		r := &MockRaft{
			Servers: []raft.Server{{ID: "n1"}},
			BootstrapClusterFunc: func(raft.Configuration) raft.Future {
				t.Error("bootstrap must be skipped")
				return &MockFuture{}
			},
		}
		require.NoError(t, bootstrap(r, config.RaftConfig{NodeID: "n1"}, "127.0.0.1:7000"))
	})
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(config.JournalConfig{Dir: t.TempDir(), SegmentSize: 1 << 20, FlushBatchSize: 1, LingerMS: 1, IndexDensity: 1}, "partition_0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestFSM_ApplySnapshotRestore(t *testing.T) {
	j := openJournal(t)
	fsm := NewFSM(j)

	for i, idx := range []uint64{3, 4, 6} {
		data, err := encodeCommand(command{ID: "c", Lowest: int64(i * 10), Highest: int64(i*10 + 9), Block: []byte{byte(idx)}})
		require.NoError(t, err)
		resp := fsm.Apply(&raft.Log{Index: idx, Term: 1, Type: raft.LogCommand, Data: data})
		assert.Equal(t, storage.Address{Index: idx, Term: 1}, resp)
	}

	e, err := j.Read(6)
	require.NoError(t, err)
	assert.Equal(t, []byte{6}, e.Data)
	assert.Equal(t, int64(29), e.Highest)

	snapshot, err := fsm.Snapshot()
	require.NoError(t, err)
	buf := new(bytes.Buffer)
	sink := &MockSnapshotSink{Writer: buf}
	require.NoError(t, snapshot.Persist(sink))
	assert.True(t, sink.closed)

	// A fresh node restoring the snapshot starts its journal after it.
	other := openJournal(t)
	restored := NewFSM(other)
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(buf.Bytes()))))
	assert.Equal(t, storage.Address{Index: 6, Term: 1}, restored.Applied())
	assert.Equal(t, uint64(7), other.FirstIndex())

	last, ok := restored.LastPosition()
	require.True(t, ok, "snapshot must carry the last position")
	assert.Equal(t, int64(29), last)
	_, ok = other.LastPosition()
	assert.False(t, ok, "the reset journal holds no entries")
}

func TestFSM_LastPositionEmpty(t *testing.T) {
	fsm := NewFSM(openJournal(t))
	_, ok := fsm.LastPosition()
	assert.False(t, ok)

	snapshot, err := fsm.Snapshot()
	require.NoError(t, err)
	buf := new(bytes.Buffer)
	require.NoError(t, snapshot.Persist(&MockSnapshotSink{Writer: buf}))

	restored := NewFSM(openJournal(t))
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(buf.Bytes()))))
	_, ok = restored.LastPosition()
	assert.False(t, ok)
}

func TestStorage_LastPositionIncludesUnappliedLog(t *testing.T) {
	j := openJournal(t)
	fsm := NewFSM(j)
	data, err := encodeCommand(command{ID: "applied", Lowest: 0, Highest: 40, Block: []byte("a")})
	require.NoError(t, err)
	fsm.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: data})

	store, err := pebblestore.Open("raft", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer store.Close()

	pendingCmd, err := encodeCommand(command{ID: "pending", Lowest: position.Of(3, 0), Highest: position.Of(3, 64), Block: []byte("b")})
	require.NoError(t, err)
	require.NoError(t, store.StoreLogs([]*raft.Log{
		{Index: 1, Term: 1, Type: raft.LogCommand, Data: data},
		{Index: 2, Term: 1, Type: raft.LogCommand, Data: pendingCmd},
		{Index: 3, Term: 2, Type: raft.LogConfiguration, Data: []byte("conf")},
	}))

	s := newStorage("node-1", fsm, j, time.Second)
	last, ok := s.LastPosition()
	require.True(t, ok)
	assert.Equal(t, int64(40), last, "without the log only the journal counts")

	s.logs = store
	last, ok = s.LastPosition()
	require.True(t, ok)
	assert.Equal(t, position.Of(3, 64), last)
}

func TestFSM_ApplyRejectsGarbage(t *testing.T) {
	fsm := NewFSM(openJournal(t))
	resp := fsm.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte{0xc1}})
	_, isErr := resp.(error)
	assert.True(t, isErr)
}
