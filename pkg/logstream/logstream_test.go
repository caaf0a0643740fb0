package logstream_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/dispatcher"
	"github.com/downfa11-org/logstream/pkg/frame"
	"github.com/downfa11-org/logstream/pkg/logstream"
	"github.com/downfa11-org/logstream/pkg/position"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/pkg/storage/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{}
	cfg.Dispatcher.PartitionSize = 4096
	cfg.Backpressure.Enabled = true
	cfg.Backpressure.Algorithm = "aimd"
	cfg.Journal.Dir = t.TempDir()
	cfg.Journal.FlushBatchSize = 4
	cfg.Journal.LingerMS = 1
	cfg.Journal.IndexDensity = 1
	cfg.Normalize()
	return cfg
}

func newScheduler(t *testing.T) *actor.Scheduler {
	sched := actor.NewScheduler(2)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	return sched
}

func TestWriterAppendsToJournal(t *testing.T) {
	cfg := testConfig(t)
	j, err := journal.Open(cfg.Journal, "partition_1")
	require.NoError(t, err)

	ls, err := logstream.Open(cfg, 1, j, newScheduler(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]dispatcher.Completion, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records := [][]byte{[]byte(fmt.Sprintf("record-%02d-a", i)), []byte(fmt.Sprintf("record-%02d-b", i))}
			c, err := ls.Writer().Append(ctx, 7, records)
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	for i, c := range results {
		require.NotZero(t, c.Index, "record %d", i)
		assert.Equal(t, 1, c.LastRecord-c.FirstRecord)

		e, err := j.Read(c.Index)
		require.NoError(t, err)
		var payloads []string
		frame.Iterate(e.Data, func(off int, h frame.Header) bool {
			payloads = append(payloads, string(e.Data[off+frame.HeaderLength:off+int(h.Length)]))
			return true
		})
		require.Greater(t, len(payloads), c.LastRecord)
		assert.Equal(t, fmt.Sprintf("record-%02d-a", i), payloads[c.FirstRecord])
		assert.Equal(t, fmt.Sprintf("record-%02d-b", i), payloads[c.LastRecord])

		idx, ok := j.SeekPosition(c.Position)
		require.True(t, ok)
		assert.Equal(t, c.Index, idx)
	}

	require.NoError(t, ls.Close(ctx))
	_, err = ls.Writer().Append(ctx, 7, [][]byte{[]byte("late")})
	assert.Error(t, err)
}

func TestWriterRejectsEmptyAppend(t *testing.T) {
	cfg := testConfig(t)
	j, err := journal.Open(cfg.Journal, "partition_1")
	require.NoError(t, err)
	ls, err := logstream.Open(cfg, 1, j, newScheduler(t))
	require.NoError(t, err)
	defer ls.Close(context.Background())

	_, err = ls.Writer().Append(context.Background(), 1, nil)
	assert.ErrorIs(t, err, logstream.ErrNoRecords)
}

type failingStorage struct{}

func (failingStorage) Append(_ context.Context, _, _ int64, _ []byte, l storage.AppendListener) error {
	l.OnWriteError(errors.New("disk is read-only"))
	return nil
}

func (failingStorage) Close() error { return nil }

func TestWriterSurfacesAppenderFailure(t *testing.T) {
	cfg := testConfig(t)
	ls, err := logstream.Open(cfg, 2, failingStorage{}, newScheduler(t))
	require.NoError(t, err)

	_, err = ls.Writer().Append(context.Background(), 1, [][]byte{[]byte("x")})
	require.ErrorContains(t, err, "disk is read-only")

	select {
	case <-ls.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not report the failure")
	}
	assert.ErrorContains(t, ls.Err(), "disk is read-only")

	_, err = ls.Writer().Append(context.Background(), 1, [][]byte{[]byte("y")})
	assert.Error(t, err)
	require.NoError(t, ls.Close(context.Background()))
}

func TestWriterPositionsGrowAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	sched := newScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	j, err := journal.Open(cfg.Journal, "partition_1")
	require.NoError(t, err)
	ls, err := logstream.Open(cfg, 1, j, sched)
	require.NoError(t, err)

	var before []dispatcher.Completion
	for i := 0; i < 3; i++ {
		c, err := ls.Writer().Append(ctx, 7, [][]byte{[]byte(fmt.Sprintf("before-%d", i))})
		require.NoError(t, err)
		before = append(before, c)
	}
	require.NoError(t, ls.Close(ctx))

	j, err = journal.Open(cfg.Journal, "partition_1")
	require.NoError(t, err)
	ls, err = logstream.Open(cfg, 1, j, sched)
	require.NoError(t, err)
	defer ls.Close(ctx)

	after, err := ls.Writer().Append(ctx, 7, [][]byte{[]byte("after")})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), after.Index)

	for _, c := range before {
		assert.Greater(t, after.Position, c.Position)
		idx, ok := j.SeekPosition(c.Position)
		require.True(t, ok, "position %d must still resolve", c.Position)
		assert.Equal(t, c.Index, idx)
	}
	idx, ok := j.SeekPosition(after.Position)
	require.True(t, ok)
	assert.Equal(t, uint64(4), idx)
}

type trackedStorage struct {
	failingStorage
	last int64
}

func (s trackedStorage) LastPosition() (int64, bool) { return s.last, true }

func TestOpenStartsAboveTrackedPosition(t *testing.T) {
	cfg := testConfig(t)
	last := position.Of(9, 120)
	ls, err := logstream.Open(cfg, 3, trackedStorage{last: last}, newScheduler(t))
	require.NoError(t, err)
	defer ls.Close(context.Background())

	assert.Equal(t, position.Of(10, 0), ls.Dispatcher().Subscription().Position())
}
