// Package journal is a segmented append-only file log of frame blocks. It is
// the standalone LogStorage and the state machine behind the raft storage.
package journal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/pkg/index"
	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/pkg/storage"
	"github.com/downfa11-org/logstream/util"
)

type segment struct {
	path string
	base uint64
	// last is base-1 while the segment is empty.
	last       uint64
	lastLowest int64
	size       int64
}

func (s *segment) empty() bool { return s.last < s.base }

type request struct {
	entry    Entry
	encoded  []byte
	listener storage.AppendListener
	barrier  chan struct{}
}

type Journal struct {
	BaseName    string
	SegmentSize int64

	name      string
	cfg       config.JournalConfig
	codec     byte
	density   uint64
	batchSize int
	linger    time.Duration

	// queue holds requests for the flush loop. It is unbounded so appends
	// never wait on an fsync; the appender's limiter bounds its length.
	queueMu sync.Mutex
	queue   []*request
	wake    chan struct{}
	done    chan struct{}

	// appendMu orders index assignment with enqueueing.
	appendMu  sync.Mutex
	nextIndex uint64
	closed    bool

	mu       sync.RWMutex // segments, indexes, file handle
	segments []*segment
	file     *os.File
	writer   *bufio.Writer
	err      error
	failure  atomic.Pointer[error]

	// lastPosition is the highest position seen in any entry since open.
	lastPosition int64
	hasPosition  bool

	entries   *index.Sparse // index -> byte offset in its segment
	positions *index.Sparse // lowest position -> index

	closeOnce sync.Once
	shutdown  sync.WaitGroup
}

// Open opens or creates the journal name under cfg.Dir, recovering existing
// segments. A torn entry at the tail of the last segment is cut off.
func Open(cfg config.JournalConfig, name string) (*Journal, error) {
	base := filepath.Join(cfg.Dir, name)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	codec, err := codecID(cfg.Compression)
	if err != nil {
		return nil, err
	}

	batchSize := cfg.FlushBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	linger := time.Duration(cfg.LingerMS) * time.Millisecond
	if linger <= 0 {
		linger = time.Millisecond
	}
	density := cfg.IndexDensity
	if density < 1 {
		density = 1
	}

	j := &Journal{
		BaseName:    base,
		SegmentSize: cfg.SegmentSize,
		name:        name,
		cfg:         cfg,
		codec:       codec,
		density:     uint64(density),
		batchSize:   batchSize,
		linger:      linger,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		entries:     index.New(density),
		positions:   index.New(1),
	}
	if j.SegmentSize <= 0 {
		j.SegmentSize = 64 << 20
	}

	j.purgeDeleted()
	if err := j.recover(); err != nil {
		return nil, err
	}

	j.shutdown.Add(1)
	go func() {
		defer j.shutdown.Done()
		j.flushLoop()
	}()

	if cfg.RetentionBytes > 0 || cfg.RetentionHours > 0 {
		j.shutdown.Add(1)
		go func() {
			defer j.shutdown.Done()
			j.retentionLoop()
		}()
	}
	return j, nil
}

func (j *Journal) segmentPath(base uint64) string {
	return fmt.Sprintf("%s_segment_%020d.log", j.BaseName, base)
}

func (j *Journal) recover() error {
	files, err := filepath.Glob(j.BaseName + "_segment_*.log")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for i, path := range files {
		digits := strings.TrimSuffix(strings.TrimPrefix(path, j.BaseName+"_segment_"), ".log")
		base, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			util.Warn("journal %s: skipping unrecognised file %s", j.name, path)
			continue
		}
		seg := &segment{path: path, base: base, last: base - 1}
		if n := len(j.segments); n > 0 && base <= j.segments[n-1].last {
			return fmt.Errorf("journal %s: segment %s does not follow index %d", j.name, path, j.segments[n-1].last)
		}
		if err := j.scanSegment(seg, i == len(files)-1); err != nil {
			return err
		}
		j.segments = append(j.segments, seg)
	}

	if len(j.segments) == 0 {
		j.segments = []*segment{{path: j.segmentPath(1), base: 1, last: 0}}
	}
	active := j.active()
	j.nextIndex = active.last + 1
	metrics.JournalSegments.WithLabelValues(j.name).Set(float64(len(j.segments)))
	return j.openActive()
}

// scanSegment rebuilds segment metadata and the sparse indexes. Corruption is
// tolerated only at the tail of the last segment.
func (j *Journal) scanSegment(seg *segment, last bool) error {
	info, err := os.Stat(seg.path)
	if err != nil {
		return err
	}
	valid, err := forEachEntry(seg.path, 0, seg.base, -1, func(off int64, h entryHeader, _ []byte) bool {
		seg.last = h.index
		seg.lastLowest = h.lowest
		j.observePositionLocked(h.highest)
		j.indexEntry(h.index, h.lowest, off)
		return true
	})
	if err == nil {
		seg.size = valid
		return nil
	}
	if !last {
		return fmt.Errorf("journal %s: segment %s corrupt at offset %d: %w", j.name, seg.path, valid, err)
	}
	util.Warn("journal %s: truncating torn tail of %s at %d of %d bytes (%v)", j.name, seg.path, valid, info.Size(), err)
	if err := os.Truncate(seg.path, valid); err != nil {
		return fmt.Errorf("truncate torn segment: %w", err)
	}
	seg.size = valid
	return nil
}

func (j *Journal) indexEntry(idx uint64, lowest, off int64) {
	if idx%j.density != 0 {
		return
	}
	j.entries.Put(idx, off)
	j.positions.Put(uint64(lowest), int64(idx))
}

// setErrLocked records a fatal write error. failure mirrors it for
// appends, which must not wait for mu.
func (j *Journal) setErrLocked(err error) {
	j.err = err
	j.failure.Store(&err)
}

func (j *Journal) observePositionLocked(highest int64) {
	if !j.hasPosition || highest > j.lastPosition {
		j.lastPosition, j.hasPosition = highest, true
	}
}

var _ storage.PositionTracker = (*Journal)(nil)

// LastPosition is the highest dispatcher position held by any entry written
// or recovered since open. It does not go back on Truncate or Reset.
func (j *Journal) LastPosition() (int64, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lastPosition, j.hasPosition
}

func (j *Journal) active() *segment { return j.segments[len(j.segments)-1] }

func (j *Journal) openActive() error {
	f, err := openSegmentFile(j.active().path)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	j.file = f
	j.writer = bufio.NewWriter(f)
	return nil
}

// FirstIndex is the lowest index still held by the journal.
func (j *Journal) FirstIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.segments[0].base
}

// LastIndex is the highest written index, or FirstIndex-1 when empty.
func (j *Journal) LastIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.active().last
}

func (j *Journal) emptyLocked() bool {
	return len(j.segments) == 1 && j.segments[0].empty()
}

// Append writes block at the next local index with term 0.
func (j *Journal) Append(ctx context.Context, lowest, highest int64, block []byte, listener storage.AppendListener) error {
	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	e := Entry{Index: j.nextIndex, Lowest: lowest, Highest: highest, Data: block}
	if err := j.enqueueLocked(ctx, e, listener); err != nil {
		return err
	}
	return nil
}

// AppendAt writes block at a caller-chosen index, returning once it is
// written. Indices may skip ahead but never go back: re-appending an index
// already held with the same term is a no-op, anything else replaces that
// index and everything after it.
func (j *Journal) AppendAt(ctx context.Context, idx, term uint64, lowest, highest int64, block []byte) error {
	written := make(chan error, 1)
	listener := storage.ListenerFuncs{
		Write:      func(storage.Address) { written <- nil },
		WriteError: func(err error) { written <- err },
	}

	if err := j.appendAt(ctx, Entry{Index: idx, Term: term, Lowest: lowest, Highest: highest, Data: block}, listener); err != nil {
		if err == errAlreadyApplied {
			return nil
		}
		return err
	}

	select {
	case err := <-written:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) appendAt(ctx context.Context, e Entry, listener storage.AppendListener) error {
	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	if e.Index < j.nextIndex {
		if err := j.flushLocked(ctx); err != nil {
			return err
		}
		if cur, err := j.Read(e.Index); err == nil && cur.Term == e.Term {
			return errAlreadyApplied
		}
		if err := j.truncateLocked(e.Index); err != nil {
			return err
		}
	}
	if e.Index > j.nextIndex {
		j.mu.Lock()
		var err error
		if j.emptyLocked() {
			err = j.resetLocked(e.Index)
		}
		j.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return j.enqueueLocked(ctx, e, listener)
}

func (j *Journal) enqueueLocked(ctx context.Context, e Entry, listener storage.AppendListener) error {
	if j.closed {
		return fmt.Errorf("journal %s: %w", j.name, storage.ErrClosed)
	}
	if failed := j.failure.Load(); failed != nil {
		return *failed
	}

	encoded, err := encodeEntry(e, j.codec)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	j.push(&request{entry: e, encoded: encoded, listener: listener})
	j.nextIndex = e.Index + 1
	return nil
}

// push queues req and wakes the flush loop once a batch is full or req is a
// barrier. Smaller batches wait for the linger tick.
func (j *Journal) push(req *request) {
	j.queueMu.Lock()
	j.queue = append(j.queue, req)
	n := len(j.queue)
	j.queueMu.Unlock()

	if n >= j.batchSize || req.barrier != nil {
		select {
		case j.wake <- struct{}{}:
		default:
		}
	}
}

func (j *Journal) takeQueued() []*request {
	j.queueMu.Lock()
	defer j.queueMu.Unlock()
	batch := j.queue
	j.queue = nil
	return batch
}

// Flush returns once every append accepted before the call is durable.
func (j *Journal) Flush(ctx context.Context) error {
	j.appendMu.Lock()
	defer j.appendMu.Unlock()
	return j.flushLocked(ctx)
}

func (j *Journal) flushLocked(ctx context.Context) error {
	if j.closed {
		return fmt.Errorf("journal %s: %w", j.name, storage.ErrClosed)
	}
	req := &request{barrier: make(chan struct{})}
	j.push(req)
	select {
	case <-req.barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending appends, syncs and closes the active segment.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.appendMu.Lock()
		j.closed = true
		j.appendMu.Unlock()

		close(j.done)
		j.shutdown.Wait()
	})
	return nil
}
