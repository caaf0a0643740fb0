// Package logstream assembles the write path of one partition: the
// dispatcher, its appender and a writer for producers.
package logstream

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/downfa11-org/logstream/pkg/appender"
	"github.com/downfa11-org/logstream/pkg/backpressure"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/dispatcher"
	"github.com/downfa11-org/logstream/pkg/position"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/util"
)

// ErrNoRecords is returned for an append without records.
var ErrNoRecords = errors.New("logstream: no records to append")

type LogStream struct {
	partition  int
	dispatcher *dispatcher.Dispatcher
	appender   *appender.Appender
	storage    storage.LogStorage
	writer     *Writer
}

// Open wires a dispatcher and an appender on sched in front of store. The
// stream owns store from then on.
func Open(cfg *config.Config, partitionID int, store storage.LogStorage, sched *actor.Scheduler) (*LogStream, error) {
	name := fmt.Sprintf("partition-%d", partitionID)
	initial := initialPosition(store)
	d, err := dispatcher.New(dispatcher.Config{
		Name:            name,
		PartitionCount:  cfg.Dispatcher.PartitionCount,
		PartitionSize:   cfg.Dispatcher.PartitionSize,
		MaxFrameLength:  cfg.Dispatcher.MaxFrameLength,
		MaxLag:          cfg.Dispatcher.MaxLag,
		InitialPosition: initial,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}

	a := appender.New(appender.Config{
		Name:           name + "-appender",
		Partition:      partitionID,
		MaxBlockLength: cfg.Dispatcher.MaxBlockLength,
		Limiter:        backpressure.FromConfig(cfg.Backpressure, partitionID),
	}, sched, d.Subscription(), store)

	ls := &LogStream{
		partition:  partitionID,
		dispatcher: d,
		appender:   a,
		storage:    store,
	}
	ls.writer = &Writer{dispatcher: d, appender: a}
	a.OnFailure(func(err error) {
		util.Error("[LOGSTREAM] %s: appender failed, no further appends are accepted: %v", name, err)
	})
	util.Info("[LOGSTREAM] %s opened at position %s", name, position.String(initial))
	return ls, nil
}

// initialPosition starts a new dispatcher generation above everything store
// already holds, so positions keep growing across restarts.
func initialPosition(store storage.LogStorage) position.Position {
	tracker, ok := store.(storage.PositionTracker)
	if !ok {
		return 0
	}
	last, ok := tracker.LastPosition()
	if !ok {
		return 0
	}
	return position.Of(position.PartitionID(last)+1, 0)
}

func (ls *LogStream) Partition() int { return ls.partition }

func (ls *LogStream) Writer() *Writer { return ls.writer }

func (ls *LogStream) Dispatcher() *dispatcher.Dispatcher { return ls.dispatcher }

func (ls *LogStream) Appender() *appender.Appender { return ls.appender }

// Failed is closed when the appender fails.
func (ls *LogStream) Failed() <-chan struct{} { return ls.appender.Failed() }

func (ls *LogStream) Err() error { return ls.appender.Err() }

// Close drains the appender, then closes the storage.
func (ls *LogStream) Close(ctx context.Context) error {
	if err := ls.appender.Close(ctx); err != nil {
		return errors.Wrapf(err, "close partition %d", ls.partition)
	}
	if err := ls.storage.Close(); err != nil {
		return errors.Wrapf(err, "close storage of partition %d", ls.partition)
	}
	return nil
}
