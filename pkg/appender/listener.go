package appender

import (
	"time"

	"github.com/downfa11-org/logstream/pkg/backpressure"
	"github.com/downfa11-org/logstream/pkg/dispatcher"
	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// listener receives the storage outcome of one block. Every callback hops
// onto the appender's actor.
type listener struct {
	a      *Appender
	permit *backpressure.Permit
	units  []unit
	bytes  int
	span   trace.Span
	start  time.Time
}

var _ storage.AppendListener = (*listener)(nil)

func (l *listener) OnWrite(addr storage.Address) {
	l.a.actor.Run(func() {
		l.span.AddEvent("written", trace.WithAttributes(attribute.String("address", addr.String())))
		util.Debug("[APPENDER] %s: block of %d bytes written at %s", l.a.name, l.bytes, addr)
	})
}

func (l *listener) OnWriteError(err error) {
	l.a.actor.Run(func() {
		a := l.a
		l.endSpan(err)
		a.release(l.permit, err)
		l.drop(err)
		a.finish()
		if storage.IsBenign(err) {
			// A role transition, the partition is closed by whoever observes it.
			util.Debug("[APPENDER] %s: block dropped: %v", a.name, err)
			return
		}
		util.Error("[APPENDER] %s: failed to append block: %v", a.name, err)
		a.fail(err)
	})
}

func (l *listener) OnCommit(addr storage.Address) {
	l.a.actor.Run(func() {
		a := l.a
		elapsed := time.Since(l.start)
		a.limiter.OnSuccess(l.permit, elapsed)
		metrics.ObserveCommit(a.partition, l.bytes, elapsed)
		l.span.SetAttributes(attribute.Int64("index", int64(addr.Index)), attribute.Int64("term", int64(addr.Term)))
		l.endSpan(nil)

		for _, u := range l.units {
			u.handler(dispatcher.Completion{
				Index:       addr.Index,
				Term:        addr.Term,
				Position:    u.position,
				FirstRecord: u.firstRecord,
				LastRecord:  u.lastRecord,
			})
		}
		a.finish()
	})
}

func (l *listener) OnCommitError(addr storage.Address, err error) {
	l.a.actor.Run(func() {
		a := l.a
		util.Error("[APPENDER] %s: failed to commit block at %s: %v", a.name, addr, err)
		l.endSpan(err)
		a.release(l.permit, err)
		l.drop(err)
		a.finish()
		a.fail(err)
	})
}

// drop tells every producer of the block that it will not be committed.
func (l *listener) drop(err error) {
	for _, u := range l.units {
		u.handler(dispatcher.Completion{
			Position:    u.position,
			FirstRecord: u.firstRecord,
			LastRecord:  u.lastRecord,
			Err:         err,
		})
	}
}

func (l *listener) endSpan(err error) {
	if err != nil {
		l.span.RecordError(err)
		l.span.SetStatus(codes.Error, err.Error())
	}
	l.span.End()
}
