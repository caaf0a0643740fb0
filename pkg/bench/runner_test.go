package bench

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/logstream"
	"github.com/downfa11-org/logstream/pkg/protocol"
	"github.com/downfa11-org/logstream/pkg/storage/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPartitions(t *testing.T, n int) []*logstream.Writer {
	cfg := &config.Config{}
	cfg.Dispatcher.PartitionSize = 64 * 1024
	cfg.Journal.Dir = t.TempDir()
	cfg.Journal.LingerMS = 1
	cfg.Normalize()

	sched := actor.NewScheduler(2)
	writers := make([]*logstream.Writer, n)
	streams := make([]*logstream.LogStream, n)
	for i := range writers {
		j, err := journal.Open(cfg.Journal, fmt.Sprintf("partition_%d", i))
		require.NoError(t, err)
		ls, err := logstream.Open(cfg, i, j, sched)
		require.NoError(t, err)
		streams[i] = ls
		writers[i] = ls.Writer()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, ls := range streams {
			_ = ls.Close(ctx)
		}
		_ = sched.Close(ctx)
	})
	return writers
}

func TestBenchmarkRunner_AllBatchesCommit(t *testing.T) {
	writers := openPartitions(t, 2)
	p, err := protocol.NewBuilder("bench").Build()
	require.NoError(t, err)

	runner := NewBenchmarkRunner(4, 10, 5, 64, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res, err := runner.Run(ctx, p, writers)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Batches)
	assert.Equal(t, 200, res.Records)
	assert.Equal(t, 2, res.Partitions)
	assert.LessOrEqual(t, res.P50, res.P99)
	assert.Greater(t, res.Throughput(), 0.0)

	var out bytes.Buffer
	res.Print(&out)
	assert.Contains(t, out.String(), "Total Records : 200")
}

func TestBenchmarkRunner_CancelledContext(t *testing.T) {
	writers := openPartitions(t, 1)
	p, err := protocol.NewBuilder("bench").Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = NewBenchmarkRunner(2, 5, 1, 16, 1).Run(ctx, p, writers)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBenchClient_RecordsAreTagged(t *testing.T) {
	c := &BenchClient{ID: 3, BatchSize: 2, RecordSize: 4}
	records := c.records(9)
	require.Len(t, records, 2)
	assert.Len(t, records[0], 12)
	assert.Equal(t, byte(3), records[1][0])
	assert.Equal(t, byte(9), records[1][4])
	assert.Equal(t, byte(1), records[1][8])
}
