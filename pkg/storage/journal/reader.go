package journal

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/exp/mmap"
)

// ErrNotFound is returned for indices the journal does not hold.
var ErrNotFound = errors.New("journal: entry not found")

// forEachEntry walks the entries of the segment at path from byte offset off
// up to limit (or the file end when limit < 0). Indices must be strictly
// increasing from want. It returns the offset after the last valid entry
// visited, or the offset of the entry fn stopped at.
func forEachEntry(path string, off int64, want uint64, limit int64, fn func(off int64, h entryHeader, data []byte) bool) (int64, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return off, fmt.Errorf("mmap open failed: %w", err)
	}
	defer r.Close()

	end := int64(r.Len())
	if limit >= 0 && limit < end {
		end = limit
	}

	var header [headerSize]byte
	for off < end {
		if end-off < headerSize {
			return off, errShortEntry
		}
		if _, err := r.ReadAt(header[:], off); err != nil {
			return off, fmt.Errorf("read header at %d: %w", off, err)
		}
		h := readHeader(header[:])
		if h.index < want {
			return off, fmt.Errorf("expected index >= %d at offset %d, found %d", want, off, h.index)
		}
		if off+h.size() > end {
			return off, errShortEntry
		}
		data := make([]byte, h.length)
		if _, err := r.ReadAt(data, off+headerSize); err != nil {
			return off, fmt.Errorf("read entry %d: %w", h.index, err)
		}
		if err := h.verify(header[:], data); err != nil {
			return off, err
		}
		if !fn(off, h, data) {
			return off, nil
		}
		off += h.size()
		want = h.index + 1
	}
	return off, nil
}

// scanFromLocked calls fn for every entry with index >= from until fn
// returns false. The sparse index bounds how much of the first segment is
// read.
func (j *Journal) scanFromLocked(from uint64, fn func(h entryHeader, data []byte) bool) error {
	i := sort.Search(len(j.segments), func(i int) bool { return j.segments[i].base > from }) - 1
	if i < 0 {
		i = 0
	}
	if from > j.segments[i].last {
		i++
	}
	if i >= len(j.segments) {
		return nil
	}
	seg := j.segments[i]
	off, idx := int64(0), seg.base
	if e, ok := j.entries.Lookup(from); ok && e.Index >= seg.base {
		off, idx = e.Position, e.Index
	}

	for ; i < len(j.segments); i++ {
		seg = j.segments[i]
		if seg.empty() {
			continue
		}
		more := true
		_, err := forEachEntry(seg.path, off, idx, seg.size, func(_ int64, h entryHeader, data []byte) bool {
			if h.index < from {
				return true
			}
			more = fn(h, data)
			return more
		})
		if err != nil {
			return fmt.Errorf("journal %s: scan %s: %w", j.name, seg.path, err)
		}
		if !more {
			return nil
		}
		if i+1 < len(j.segments) {
			off, idx = 0, j.segments[i+1].base
		}
	}
	return nil
}

// Read returns the entry at idx.
func (j *Journal) Read(idx uint64) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var (
		out    Entry
		found  bool
		decErr error
	)
	err := j.scanFromLocked(idx, func(h entryHeader, data []byte) bool {
		if h.index == idx {
			out, decErr = h.decode(data)
			found = true
		}
		return false
	})
	if err != nil {
		return Entry{}, err
	}
	if decErr != nil {
		return Entry{}, decErr
	}
	if !found {
		return Entry{}, fmt.Errorf("index %d: %w", idx, ErrNotFound)
	}
	return out, nil
}

// Scan calls fn for each entry from index from onwards until fn returns
// false.
func (j *Journal) Scan(from uint64, fn func(Entry) bool) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var decErr error
	err := j.scanFromLocked(from, func(h entryHeader, data []byte) bool {
		e, err := h.decode(data)
		if err != nil {
			decErr = err
			return false
		}
		return fn(e)
	})
	if err != nil {
		return err
	}
	return decErr
}

// SeekPosition returns the index of the first entry whose highest position
// is at or after position.
func (j *Journal) SeekPosition(position int64) (uint64, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	from := j.segments[0].base
	if e, ok := j.positions.Lookup(uint64(position)); ok && uint64(e.Position) >= from {
		from = uint64(e.Position)
	}

	var (
		found uint64
		ok    bool
	)
	err := j.scanFromLocked(from, func(h entryHeader, _ []byte) bool {
		if h.highest >= position {
			found, ok = h.index, true
			return false
		}
		return true
	})
	if err != nil {
		return 0, false
	}
	return found, ok
}
