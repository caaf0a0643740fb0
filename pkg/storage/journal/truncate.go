package journal

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/util"
)

// Truncate drops idx and every entry after it. Pending appends are written
// first.
func (j *Journal) Truncate(ctx context.Context, idx uint64) error {
	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	if err := j.flushLocked(ctx); err != nil {
		return err
	}
	return j.truncateLocked(idx)
}

// truncateLocked requires appendMu and an empty write queue.
func (j *Journal) truncateLocked(idx uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if idx > j.active().last {
		return nil
	}
	if idx <= j.segments[0].base {
		return j.resetLocked(idx)
	}

	// idx may fall between two segments, the cut is then at the start of the later one.
	i := sort.Search(len(j.segments), func(i int) bool { return j.segments[i].base > idx }) - 1
	if idx > j.segments[i].last {
		i++
	}
	seg := j.segments[i]

	off, from := int64(0), seg.base
	if e, ok := j.entries.Lookup(idx - 1); ok && e.Index >= seg.base {
		off, from = e.Position, e.Index
	}
	var (
		cut        int64 = -1
		lowest     int64
		prevIndex  = seg.base - 1
		prevLowest int64
	)
	if i > 0 {
		prevIndex, prevLowest = j.segments[i-1].last, j.segments[i-1].lastLowest
	}
	_, err := forEachEntry(seg.path, off, from, seg.size, func(off int64, h entryHeader, _ []byte) bool {
		if h.index < idx {
			prevIndex, prevLowest = h.index, h.lowest
			return true
		}
		cut, lowest = off, h.lowest
		return false
	})
	if err != nil {
		return fmt.Errorf("journal %s: locate entry %d: %w", j.name, idx, err)
	}
	if cut < 0 {
		return fmt.Errorf("journal %s: entry %d: %w", j.name, idx, ErrNotFound)
	}
	if cut == 0 && i == 0 {
		return j.resetLocked(idx)
	}

	if err := j.closeActiveLocked(); err != nil {
		return err
	}
	keep := i + 1
	if cut == 0 {
		keep = i
	}
	for _, s := range j.segments[keep:] {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment: %w", err)
		}
	}
	j.segments = j.segments[:keep]
	if cut > 0 {
		if err := os.Truncate(seg.path, cut); err != nil {
			return fmt.Errorf("truncate segment: %w", err)
		}
		seg.size = cut
	}
	active := j.active()
	active.last = prevIndex
	active.lastLowest = prevLowest

	j.entries.Truncate(idx)
	j.positions.Truncate(uint64(lowest))
	j.nextIndex = idx
	metrics.JournalSegments.WithLabelValues(j.name).Set(float64(len(j.segments)))
	util.Debug("journal %s: truncated from %d", j.name, idx)
	return j.openActive()
}

// Reset discards every entry. The next append is written at next.
func (j *Journal) Reset(ctx context.Context, next uint64) error {
	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	if err := j.flushLocked(ctx); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resetLocked(next)
}

// resetLocked discards every segment and restarts the journal at base.
func (j *Journal) resetLocked(base uint64) error {
	if err := j.closeActiveLocked(); err != nil {
		return err
	}
	for _, s := range j.segments {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment: %w", err)
		}
	}
	j.segments = []*segment{{path: j.segmentPath(base), base: base, last: base - 1}}
	j.entries.Truncate(0)
	j.positions.Truncate(0)
	j.nextIndex = base
	metrics.JournalSegments.WithLabelValues(j.name).Set(1)
	return j.openActive()
}

func (j *Journal) closeActiveLocked() error {
	if j.file == nil {
		return nil
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush active segment: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close active segment: %w", err)
	}
	j.file = nil
	return nil
}

// Compact drops whole segments whose entries are all at or below idx. The
// active segment is never removed.
func (j *Journal) Compact(idx uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := 0
	for n < len(j.segments)-1 && j.segments[n].last <= idx {
		n++
	}
	return j.dropHeadLocked(n, func(path string) error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

func (j *Journal) dropHeadLocked(n int, remove func(path string) error) error {
	for k := 0; k < n; k++ {
		seg := j.segments[0]
		if err := remove(seg.path); err != nil {
			return fmt.Errorf("journal %s: drop segment %s: %w", j.name, seg.path, err)
		}
		j.entries.Compact(seg.last)
		j.positions.Compact(uint64(seg.lastLowest))
		j.segments = j.segments[1:]
	}
	if n > 0 {
		metrics.JournalSegments.WithLabelValues(j.name).Set(float64(len(j.segments)))
		util.Debug("journal %s: dropped %d segments, first index now %d", j.name, n, j.segments[0].base)
	}
	return nil
}
