package pebblestore_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/downfa11-org/logstream/pkg/storage/pebblestore"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *pebblestore.Store {
	t.Helper()
	s, err := pebblestore.Open("raft", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_LogRoundTrip(t *testing.T) {
	s := openMem(t)

	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)

	now := time.Now().Truncate(time.Millisecond)
	var logs []*raft.Log
	for i := uint64(1); i <= 5; i++ {
		logs = append(logs, &raft.Log{Index: i, Term: 2, Type: raft.LogCommand, Data: []byte{byte(i)}, AppendedAt: now})
	}
	require.NoError(t, s.StoreLogs(logs))

	first, err = s.FirstIndex()
	require.NoError(t, err)
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(5), last)

	var got raft.Log
	require.NoError(t, s.GetLog(3, &got))
	assert.Equal(t, uint64(3), got.Index)
	assert.Equal(t, uint64(2), got.Term)
	assert.Equal(t, raft.LogCommand, got.Type)
	assert.Equal(t, []byte{3}, got.Data)
	assert.True(t, now.Equal(got.AppendedAt))

	assert.ErrorIs(t, s.GetLog(9, &got), raft.ErrLogNotFound)
}

func TestStore_DeleteRange(t *testing.T) {
	s := openMem(t)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, s.StoreLog(&raft.Log{Index: i, Term: 1}))
	}

	require.NoError(t, s.DeleteRange(1, 4))
	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), first)

	require.NoError(t, s.DeleteRange(8, ^uint64(0)))
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)
}

func TestStore_Stable(t *testing.T) {
	s := openMem(t)

	_, err := s.Get([]byte("CurrentTerm"))
	require.Error(t, err)
	assert.Equal(t, "not found", err.Error())

	require.NoError(t, s.Set([]byte("LastVoteCand"), []byte("node-1")))
	val, err := s.Get([]byte("LastVoteCand"))
	require.NoError(t, err)
	assert.Equal(t, []byte("node-1"), val)

	require.NoError(t, s.SetUint64([]byte("CurrentTerm"), 42))
	term, err := s.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)

	// Stable keys never show up as logs.
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)
}

func TestStore_OnStored(t *testing.T) {
	s := openMem(t)

	var stored []uint64
	s.OnStored(func(logs []*raft.Log) {
		for _, l := range logs {
			stored = append(stored, l.Index)
		}
	})
	require.NoError(t, s.StoreLogs([]*raft.Log{{Index: 1}, {Index: 2}}))
	require.NoError(t, s.StoreLog(&raft.Log{Index: 3}))

	assert.Equal(t, []uint64{1, 2, 3}, stored)
}
