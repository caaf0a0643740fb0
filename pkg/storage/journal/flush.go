package journal

import (
	"fmt"
	"time"

	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/util"
)

func (j *Journal) flushLoop() {
	ticker := time.NewTicker(j.linger)
	defer ticker.Stop()

	for {
		select {
		case <-j.wake:
			j.writeBatch(j.takeQueued())
		case <-ticker.C:
			j.writeBatch(j.takeQueued())
		case <-j.done:
			j.writeBatch(j.takeQueued())
			j.mu.Lock()
			if j.file != nil {
				if err := j.writer.Flush(); err != nil {
					util.Error("journal %s: flush failed during shutdown: %v", j.name, err)
				}
				if err := j.file.Sync(); err != nil {
					util.Error("journal %s: sync failed during shutdown: %v", j.name, err)
				}
				if err := j.file.Close(); err != nil {
					util.Error("journal %s: close failed during shutdown: %v", j.name, err)
				}
				j.file = nil
			}
			j.mu.Unlock()
			return
		}
	}
}

// writeBatch writes the batch with one flush and one fsync. Listeners are
// called after the lock is released: OnWrite for every written entry, then
// OnCommit once the fsync succeeded.
func (j *Journal) writeBatch(batch []*request) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	written, failed, syncErr := j.writeLocked(batch)

	for _, req := range written {
		if req.listener != nil {
			req.listener.OnWrite(storage.Address{Index: req.entry.Index, Term: req.entry.Term})
		}
	}
	for _, req := range written {
		if req.listener == nil {
			continue
		}
		addr := storage.Address{Index: req.entry.Index, Term: req.entry.Term}
		if syncErr != nil {
			req.listener.OnCommitError(addr, syncErr)
		} else {
			req.listener.OnCommit(addr)
		}
	}
	for _, f := range failed {
		if f.req.listener != nil {
			f.req.listener.OnWriteError(f.err)
		}
	}
	for _, req := range batch {
		if req.barrier != nil {
			close(req.barrier)
		}
	}

	if len(written) > 0 {
		metrics.JournalEntries.WithLabelValues(j.name).Add(float64(len(written)))
		metrics.JournalSyncLatency.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
	}
}

type failedWrite struct {
	req *request
	err error
}

func (j *Journal) writeLocked(batch []*request) (written []*request, failed []failedWrite, syncErr error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, req := range batch {
		if req.barrier != nil {
			continue
		}
		if j.err != nil {
			failed = append(failed, failedWrite{req, j.err})
			continue
		}

		active := j.active()
		size := int64(len(req.encoded))
		if !active.empty() && active.size+size > j.SegmentSize {
			if err := j.rotateSegment(req.entry.Index); err != nil {
				j.setErrLocked(fmt.Errorf("journal %s: rotate segment: %w", j.name, err))
				failed = append(failed, failedWrite{req, j.err})
				continue
			}
			active = j.active()
		}

		if _, err := j.writer.Write(req.encoded); err != nil {
			j.setErrLocked(fmt.Errorf("journal %s: write entry %d: %w", j.name, req.entry.Index, err))
			failed = append(failed, failedWrite{req, j.err})
			continue
		}

		j.indexEntry(req.entry.Index, req.entry.Lowest, active.size)
		active.size += size
		active.last = req.entry.Index
		active.lastLowest = req.entry.Lowest
		j.observePositionLocked(req.entry.Highest)
		written = append(written, req)
	}

	if j.writer == nil {
		return written, failed, nil
	}
	if err := j.writer.Flush(); err != nil {
		j.setErrLocked(fmt.Errorf("journal %s: flush: %w", j.name, err))
		return nil, append(failed, asFailed(written, j.err)...), nil
	}
	if len(written) > 0 {
		if err := j.file.Sync(); err != nil {
			j.setErrLocked(fmt.Errorf("journal %s: sync: %w", j.name, err))
			return written, failed, j.err
		}
	}
	return written, failed, nil
}

func asFailed(reqs []*request, err error) []failedWrite {
	out := make([]failedWrite, len(reqs))
	for i, r := range reqs {
		out[i] = failedWrite{r, err}
	}
	return out
}

// rotateSegment syncs and closes the active segment and starts a new one
// whose first entry is base.
func (j *Journal) rotateSegment(base uint64) error {
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		util.Error("journal %s: close failed during segment rotation: %v", j.name, err)
	}

	j.segments = append(j.segments, &segment{path: j.segmentPath(base), base: base, last: base - 1})
	metrics.JournalSegments.WithLabelValues(j.name).Set(float64(len(j.segments)))
	util.Debug("journal %s: rotated to segment %d", j.name, base)
	return j.openActive()
}
