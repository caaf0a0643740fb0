package bench

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/downfa11-org/logstream/pkg/logstream"
	"github.com/downfa11-org/logstream/pkg/protocol"
	"golang.org/x/time/rate"
)

// BenchClient is one producer appending keyed batches through the protocol.
type BenchClient struct {
	ID          int
	NumBatches  int
	BatchSize   int
	RecordSize  int
	StreamID    int32
	Limiter     *rate.Limiter
	Protocol    *protocol.Protocol
	Writers     []*logstream.Writer
	latencyHook func(time.Duration)
}

func (c *BenchClient) Run(ctx context.Context) error {
	for i := 0; i < c.NumBatches; i++ {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		req := protocol.AppendRequest{
			Key:      []byte(fmt.Sprintf("producer-%d-%d", c.ID, i)),
			StreamID: c.StreamID,
			Records:  c.records(i),
		}
		start := time.Now()
		if _, err := protocol.Append(ctx, c.Protocol, c.Writers, req); err != nil {
			return fmt.Errorf("producer %d batch %d: %w", c.ID, i, err)
		}
		if c.latencyHook != nil {
			c.latencyHook(time.Since(start))
		}
	}
	return nil
}

func (c *BenchClient) records(batch int) [][]byte {
	records := make([][]byte, c.BatchSize)
	for i := range records {
		r := make([]byte, max(c.RecordSize, 12))
		binary.LittleEndian.PutUint32(r, uint32(c.ID))
		binary.LittleEndian.PutUint32(r[4:], uint32(batch))
		binary.LittleEndian.PutUint32(r[8:], uint32(i))
		records[i] = r
	}
	return records
}
