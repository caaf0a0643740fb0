package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/downfa11-org/logstream/pkg/bench"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/protocol"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		configPath string
		partitions int
		producers  int
		batches    int
		batchSize  int
		recordSize int
		ratePerSec float64
		dataDir    string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run an in-process write benchmark against local journals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			args := []string{"-exporter=false", "-storage=journal", "-data-dir=" + dataDir}
			if configPath != "" {
				args = append(args, "-config="+configPath)
			}
			if partitions > 0 {
				args = append(args, "-partitions="+strconv.Itoa(partitions))
			}
			cfg, err := config.LoadConfig(args)
			if err != nil {
				return err
			}

			sched := actor.NewScheduler(runtime.GOMAXPROCS(0))
			streams, err := openPartitions(cfg, sched)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				closeAll(ctx, streams)
				_ = sched.Close(ctx)
			}()

			p, err := protocol.FromConfig(cfg.Protocol).Build()
			if err != nil {
				return err
			}

			runner := bench.NewBenchmarkRunner(producers, batches, batchSize, recordSize, ratePerSec)
			res, err := runner.Run(cmd.Context(), p, writers(streams))
			res.Print(os.Stdout)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to YAML/JSON config file")
	f.IntVar(&partitions, "partitions", 0, "Number of partitions (0 = from config)")
	f.IntVar(&producers, "producers", 12, "Number of producers")
	f.IntVar(&batches, "batches", 1000, "Batches per producer")
	f.IntVar(&batchSize, "batch-size", 10, "Records per batch")
	f.IntVar(&recordSize, "record-size", 128, "Record size in bytes")
	f.Float64Var(&ratePerSec, "rate", 0, "Batches per second across producers (0 = unlimited)")
	f.StringVar(&dataDir, "data-dir", filepath.Join(os.TempDir(), "logstream-bench-"+time.Now().Format("20060102150405")), "Directory for benchmark journals")
	return cmd
}
