// Package appender drains committed blocks from a dispatcher subscription
// into durable storage, gated by a backpressure limiter.
package appender

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/downfa11-org/logstream/pkg/backpressure"
	"github.com/downfa11-org/logstream/pkg/dispatcher"
	"github.com/downfa11-org/logstream/pkg/frame"
	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/pkg/position"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type State int32

const (
	Starting State = iota
	Draining
	Idle
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Draining:
		return "draining"
	case Idle:
		return "idle"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// DefaultMaxBlockLength bounds a block when Config.MaxBlockLength is unset.
const DefaultMaxBlockLength = 4 << 20

type Config struct {
	Name      string
	Partition int
	// MaxBlockLength bounds the bytes of one storage append. A single unit
	// larger than this is still appended whole.
	MaxBlockLength int
	// Limiter defaults to backpressure.Noop.
	Limiter backpressure.AppendLimiter
}

// Appender is the single consumer of a dispatcher subscription. Its state,
// the limiter and the handler queues are only touched by actor jobs.
type Appender struct {
	name           string
	partition      string
	actor          *actor.Actor
	sub            *dispatcher.Subscription
	storage        storage.LogStorage
	limiter        backpressure.AppendLimiter
	maxBlockLength int
	tracer         trace.Tracer

	// units re-scans a copied block.
	units func([]byte) ([]frame.Unit, bool)

	state    atomic.Int32
	inflight int

	failureMu sync.Mutex
	failure   error
	observers []func(error)
	notified  bool

	failed    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// New starts an appender on sched that drains sub into store.
func New(cfg Config, sched *actor.Scheduler, sub *dispatcher.Subscription, store storage.LogStorage) *Appender {
	a := newAppender(cfg, sched, sub, store)
	a.actor.Run(a.start)
	return a
}

func newAppender(cfg Config, sched *actor.Scheduler, sub *dispatcher.Subscription, store storage.LogStorage) *Appender {
	if cfg.Name == "" {
		cfg.Name = "appender-" + strconv.Itoa(cfg.Partition)
	}
	if cfg.MaxBlockLength <= 0 {
		cfg.MaxBlockLength = DefaultMaxBlockLength
	}
	if cfg.Limiter == nil {
		cfg.Limiter = &backpressure.Noop{}
	}

	return &Appender{
		name:           cfg.Name,
		partition:      strconv.Itoa(cfg.Partition),
		actor:          sched.NewActor(cfg.Name),
		sub:            sub,
		storage:        store,
		limiter:        cfg.Limiter,
		maxBlockLength: cfg.MaxBlockLength,
		tracer:         otel.Tracer("github.com/downfa11-org/logstream/pkg/appender"),
		units:          frame.Units,
		failed:         make(chan struct{}),
		closed:         make(chan struct{}),
	}
}

func (a *Appender) Name() string { return a.name }

func (a *Appender) State() State { return State(a.state.Load()) }

func (a *Appender) setState(s State) { a.state.Store(int32(s)) }

func (a *Appender) start() {
	if a.State() != Starting {
		return
	}
	a.setState(Draining)
	a.sub.Register(a.actor)
	a.actor.SetStep(a.step)
	metrics.AppenderLimit.WithLabelValues(a.partition).Set(float64(a.limiter.Limit()))
	util.Debug("[APPENDER] %s started", a.name)
}

type unit struct {
	handler     dispatcher.CompletionHandler
	position    position.Position
	firstRecord int
	lastRecord  int
}

// step appends at most one block. It returns false to park until the next
// commit or permit release signals the actor.
func (a *Appender) step() bool {
	switch a.State() {
	case Closing, Closed, Failed:
		return false
	}

	permit, ok := a.limiter.TryAcquire()
	if !ok {
		a.setState(Idle)
		metrics.AppenderDeferred.WithLabelValues(a.partition).Inc()
		return false
	}

	block, ok := a.sub.PeekBlock(a.maxBlockLength, true)
	if !ok {
		a.limiter.Release(permit)
		a.setState(Idle)
		return false
	}
	a.setState(Draining)

	buf := make([]byte, block.Len())
	copy(buf, block.Bytes())

	units, err := a.pairHandlers(buf, block)
	if err != nil {
		a.limiter.Release(permit)
		a.sub.MarkFailed(block)
		a.fail(err)
		return false
	}

	lowest, highest := block.Position(), block.Position()
	frame.Iterate(buf, func(off int, _ frame.Header) bool {
		highest = block.Position() + int64(off)
		return true
	})

	ctx, span := a.tracer.Start(context.Background(), "append-block", trace.WithAttributes(
		attribute.String("partition", a.partition),
		attribute.Int64("lowest_position", lowest),
		attribute.Int64("highest_position", highest),
		attribute.Int("bytes", len(buf)),
		attribute.Int("frames", block.FrameCount()),
	))
	l := &listener{a: a, permit: permit, units: units, bytes: len(buf), span: span, start: time.Now()}

	a.inflight++
	metrics.AppenderInflight.WithLabelValues(a.partition).Set(float64(a.inflight))
	if err := a.storage.Append(ctx, lowest, highest, buf, l); err != nil {
		l.OnWriteError(err)
	}
	a.sub.MarkCompleted(block)
	return true
}

// pairHandlers assigns the block's handlers to the units found in the copy,
// in order. A unit without a handler means the dispatcher lost track of a
// claim.
func (a *Appender) pairHandlers(buf []byte, block *dispatcher.Block) ([]unit, error) {
	scanned, incomplete := a.units(buf)
	if incomplete {
		return nil, errors.AssertionFailedf("block at %s ends inside a batch", position.String(block.Position()))
	}
	handlers := block.Units()
	units := make([]unit, 0, len(scanned))
	for i, u := range scanned {
		if i >= len(handlers) {
			return nil, errors.AssertionFailedf(
				"expected a handler for unit %d of block at %s, but only %d were registered",
				i, position.String(block.Position()), len(handlers))
		}
		units = append(units, unit{
			handler:     handlers[i].Handler,
			position:    handlers[i].Position,
			firstRecord: u.FirstFrame,
			lastRecord:  u.LastFrame,
		})
	}
	if len(handlers) > len(scanned) {
		util.Warn("[APPENDER] %s: %d handlers left over for block at %s", a.name, len(handlers)-len(scanned), position.String(block.Position()))
	}
	return units, nil
}

// finish accounts for one resolved append and resolves a pending close.
func (a *Appender) finish() {
	a.inflight--
	metrics.AppenderInflight.WithLabelValues(a.partition).Set(float64(a.inflight))
	metrics.AppenderLimit.WithLabelValues(a.partition).Set(float64(a.limiter.Limit()))

	switch a.State() {
	case Closing, Failed:
		if a.inflight == 0 {
			a.resolveClose()
		}
	default:
		a.actor.Signal()
	}
}

func (a *Appender) release(permit *backpressure.Permit, err error) {
	if storage.IsTimeout(err) {
		a.limiter.OnTimeout(permit)
		metrics.AppenderDropped.WithLabelValues(a.partition, "timeout").Inc()
		return
	}
	a.limiter.OnDrop(permit)
	metrics.AppenderDropped.WithLabelValues(a.partition, "drop").Inc()
}

func (a *Appender) fail(err error) {
	if s := a.State(); s == Failed || s == Closed {
		return
	}
	util.Error("[APPENDER] %s failed in phase %s: %v", a.name, a.State(), err)
	a.setState(Failed)
	a.sub.Unregister(a.actor)
	a.actor.SetStep(nil)

	a.failureMu.Lock()
	a.failure = err
	observers := a.observers
	a.observers = nil
	a.notified = true
	a.failureMu.Unlock()
	close(a.failed)

	for _, fn := range observers {
		fn(err)
	}
	if a.inflight == 0 {
		a.resolveClose()
	}
}

// OnFailure registers fn to be called once if the appender fails. It is
// called right away if the appender already failed.
func (a *Appender) OnFailure(fn func(error)) {
	a.failureMu.Lock()
	if a.notified {
		err := a.failure
		a.failureMu.Unlock()
		fn(err)
		return
	}
	a.observers = append(a.observers, fn)
	a.failureMu.Unlock()
}

// Failed is closed when the appender fails.
func (a *Appender) Failed() <-chan struct{} { return a.failed }

// Err is the failure cause, or nil.
func (a *Appender) Err() error {
	a.failureMu.Lock()
	defer a.failureMu.Unlock()
	return a.failure
}

// CloseAsync stops taking new blocks. The returned channel is closed once no
// appends are outstanding.
func (a *Appender) CloseAsync() <-chan struct{} {
	a.actor.Run(func() {
		switch a.State() {
		case Closing, Closed:
			return
		case Failed:
			if a.inflight == 0 {
				a.resolveClose()
			}
			return
		}
		a.setState(Closing)
		a.sub.Unregister(a.actor)
		a.actor.SetStep(nil)
		if a.inflight == 0 {
			a.resolveClose()
		}
	})
	return a.closed
}

// Close waits for CloseAsync to complete or ctx to end.
func (a *Appender) Close(ctx context.Context) error {
	select {
	case <-a.CloseAsync():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Appender) resolveClose() {
	a.closeOnce.Do(func() {
		if a.State() == Closing {
			a.setState(Closed)
		}
		util.Debug("[APPENDER] %s closed", a.name)
		close(a.closed)
	})
}
