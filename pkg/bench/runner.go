// Package bench drives concurrent producers against in-process partitions.
package bench

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/downfa11-org/logstream/pkg/logstream"
	"github.com/downfa11-org/logstream/pkg/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type BenchmarkRunner struct {
	NumProducers       int
	BatchesPerProducer int
	BatchSize          int
	RecordSize         int
	// Rate caps batches per second across all producers. Zero is unlimited.
	Rate float64
}

type Result struct {
	Producers  int
	Partitions int
	Batches    int
	Records    int
	Bytes      int64
	Duration   time.Duration
	P50, P99   time.Duration
}

func (r Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Records) / r.Duration.Seconds()
}

func NewBenchmarkRunner(producers, batches, batchSize, recordSize int, ratePerSec float64) *BenchmarkRunner {
	return &BenchmarkRunner{
		NumProducers:       producers,
		BatchesPerProducer: batches,
		BatchSize:          batchSize,
		RecordSize:         recordSize,
		Rate:               ratePerSec,
	}
}

// Run starts the producers and waits for every batch to commit. The first
// producer error cancels the rest.
func (b *BenchmarkRunner) Run(ctx context.Context, p *protocol.Protocol, writers []*logstream.Writer) (Result, error) {
	var limiter *rate.Limiter
	if b.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.Rate), max(1, b.NumProducers))
	}

	var (
		mu        sync.Mutex
		latencies []time.Duration
	)
	record := func(d time.Duration) {
		mu.Lock()
		latencies = append(latencies, d)
		mu.Unlock()
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.NumProducers; i++ {
		client := &BenchClient{
			ID:          i,
			NumBatches:  b.BatchesPerProducer,
			BatchSize:   b.BatchSize,
			RecordSize:  b.RecordSize,
			StreamID:    1,
			Limiter:     limiter,
			Protocol:    p,
			Writers:     writers,
			latencyHook: record,
		}
		g.Go(func() error { return client.Run(gctx) })
	}
	err := g.Wait()

	res := Result{
		Producers:  b.NumProducers,
		Partitions: len(writers),
		Batches:    len(latencies),
		Records:    len(latencies) * b.BatchSize,
		Bytes:      int64(len(latencies)) * int64(b.BatchSize) * int64(max(b.RecordSize, 12)),
		Duration:   time.Since(start),
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		res.P50 = latencies[len(latencies)/2]
		res.P99 = latencies[len(latencies)*99/100]
	}
	return res, err
}

func (r Result) Print(w io.Writer) {
	fmt.Fprintf(w, "\n🧪 BENCHMARK RESULT [logstream] 🧪\n")
	fmt.Fprintf(w, "-------------------------------------\n")
	fmt.Fprintf(w, " Producers     : %d\n", r.Producers)
	fmt.Fprintf(w, " Partitions    : %d\n", r.Partitions)
	fmt.Fprintf(w, " Batches       : %d\n", r.Batches)
	fmt.Fprintf(w, " Total Records : %d\n", r.Records)
	fmt.Fprintf(w, " Duration      : %v\n", r.Duration)
	fmt.Fprintf(w, " Throughput    : %.2f records/sec\n", r.Throughput())
	fmt.Fprintf(w, " Commit p50    : %v\n", r.P50)
	fmt.Fprintf(w, " Commit p99    : %v\n", r.P99)
	fmt.Fprintf(w, "-------------------------------------\n")
}
