package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/util"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [flags]",
		Short: "Open the configured partitions and serve until interrupted",
		// flags are parsed by config.LoadConfig
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(args)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	util.Info("🚀 Starting logstream with %d partitions on %s storage", cfg.Partitions, cfg.Storage)
	util.Info("📊 Exporter: %v | log level: %s", cfg.EnableExporter, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableExporter {
		srv := metrics.StartMetricsServer(cfg.ExporterPort)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	sched := actor.NewScheduler(runtime.GOMAXPROCS(0))
	streams, err := openPartitions(cfg, sched)
	if err != nil {
		util.Error("Failed to open partitions: %v", err)
		return err
	}

	failed := make(chan int, len(streams))
	for _, ls := range streams {
		go func() {
			select {
			case <-ls.Failed():
				failed <- ls.Partition()
			case <-ctx.Done():
			}
		}()
	}

	select {
	case <-ctx.Done():
		util.Info("🛑 Shutting down")
	case p := <-failed:
		util.Error("Partition %d failed: %v", p, streams[p].Err())
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeAll(sctx, streams)
	return sched.Close(sctx)
}
