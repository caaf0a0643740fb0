package logstream

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/appender"
	"github.com/downfa11-org/logstream/pkg/dispatcher"
)

// Writer publishes records into the partition and waits for their commit.
// It is safe for concurrent use.
type Writer struct {
	dispatcher *dispatcher.Dispatcher
	appender   *appender.Appender
}

// Append claims records as one batch on streamID and returns once the batch
// is durably committed. It waits for buffer space while the dispatcher is
// full.
func (w *Writer) Append(ctx context.Context, streamID int32, records [][]byte) (dispatcher.Completion, error) {
	if len(records) == 0 {
		return dispatcher.Completion{}, ErrNoRecords
	}
	lengths := make([]int, len(records))
	for i, r := range records {
		lengths[i] = len(r)
	}

	done := make(chan dispatcher.Completion, 1)
	handler := func(c dispatcher.Completion) { done <- c }

	var claim *dispatcher.BatchClaim
	for {
		if err := w.usable(); err != nil {
			return dispatcher.Completion{}, err
		}
		space := w.dispatcher.SpaceAvailable()
		var err error
		claim, err = w.dispatcher.ClaimBatch(streamID, lengths, handler)
		if err == nil {
			break
		}
		if !errors.Is(err, dispatcher.ErrBufferFull) {
			return dispatcher.Completion{}, err
		}
		select {
		case <-space:
		case <-w.appender.Failed():
		case <-ctx.Done():
			return dispatcher.Completion{}, ctx.Err()
		}
	}

	for i, r := range records {
		copy(claim.Fragment(i), r)
	}
	claim.Commit()

	select {
	case c := <-done:
		if c.Err != nil {
			return c, errors.Wrap(c.Err, "append not committed")
		}
		return c, nil
	case <-w.appender.Failed():
		select {
		case c := <-done:
			if c.Err == nil {
				return c, nil
			}
		default:
		}
		return dispatcher.Completion{}, errors.Wrap(w.appender.Err(), "appender failed")
	case <-ctx.Done():
		return dispatcher.Completion{}, ctx.Err()
	}
}

func (w *Writer) usable() error {
	switch w.appender.State() {
	case appender.Failed:
		return errors.Wrap(w.appender.Err(), "appender failed")
	case appender.Closing, appender.Closed:
		return errors.New("logstream: closed")
	}
	return nil
}
