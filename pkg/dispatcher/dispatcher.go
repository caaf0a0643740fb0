// Package dispatcher implements the staging ring buffer that producers claim
// frames in and a single subscriber drains in contiguous blocks.
package dispatcher

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/frame"
	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/pkg/position"
)

var (
	ErrBufferFull    = errors.New("dispatcher: buffer full")
	ErrFrameTooLarge = errors.New("dispatcher: frame exceeds max frame length")
	ErrInvalidConfig = errors.New("dispatcher: invalid config")
)

const (
	DefaultPartitionCount = 3
	DefaultPartitionSize  = 4 << 20
)

type Config struct {
	Name           string
	PartitionCount int
	PartitionSize  int
	// MaxFrameLength bounds a single claim including headers and padding.
	// Defaults to PartitionSize.
	MaxFrameLength int
	// MaxLag bounds how many bytes producers may run ahead of the subscriber.
	// Defaults to PartitionCount*PartitionSize.
	MaxLag int64
	// InitialPosition is where the first claim lands. A position inside a
	// generation starts at the beginning of the next one.
	InitialPosition position.Position
}

// Completion is handed to a unit's handler once the block holding it has
// been durably committed.
type Completion struct {
	// Index and Term identify the durable log entry the unit landed in.
	Index uint64
	Term  uint64
	// Position is the dispatcher position the unit was claimed at.
	Position position.Position
	// FirstRecord and LastRecord are the frame indices of the unit within its block.
	FirstRecord int
	LastRecord  int
	// Err is set when the unit was dropped or its commit failed. Index and
	// Term are then unreliable.
	Err error
}

type CompletionHandler func(Completion)

func noopHandler(Completion) {}

type partition struct {
	buf []byte
	// word packs the generation this slot currently serves with its tail.
	word atomic.Int64
}

func pack(gen, tail int32) int64 { return int64(gen)<<32 | int64(uint32(tail)) }

func unpack(w int64) (gen, tail int32) { return int32(w >> 32), int32(uint32(w)) }

type Dispatcher struct {
	name           string
	partitions     []*partition
	count          int32
	capacity       int32
	maxFrameLength int
	maxLag         int64

	active   atomic.Int32
	handlers sync.Map // position.Position -> CompletionHandler

	sub   *Subscription
	space notifier
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.PartitionCount == 0 {
		cfg.PartitionCount = DefaultPartitionCount
	}
	if cfg.PartitionSize == 0 {
		cfg.PartitionSize = DefaultPartitionSize
	}
	if cfg.PartitionCount < 2 {
		return nil, errors.Wrapf(ErrInvalidConfig, "partition count %d, need at least 2", cfg.PartitionCount)
	}
	if cfg.PartitionSize < frame.AlignedLength(frame.HeaderLength) || cfg.PartitionSize%frame.Alignment != 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "partition size %d must be a multiple of %d", cfg.PartitionSize, frame.Alignment)
	}
	if cfg.MaxFrameLength <= 0 || cfg.MaxFrameLength > cfg.PartitionSize {
		cfg.MaxFrameLength = cfg.PartitionSize
	}
	if cfg.MaxLag <= 0 {
		cfg.MaxLag = int64(cfg.PartitionCount) * int64(cfg.PartitionSize)
	}
	if cfg.Name == "" {
		cfg.Name = "dispatcher"
	}
	if cfg.InitialPosition < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "initial position %d is negative", cfg.InitialPosition)
	}
	start := position.PartitionID(cfg.InitialPosition)
	if position.Offset(cfg.InitialPosition) != 0 {
		start++
	}

	d := &Dispatcher{
		name:           cfg.Name,
		partitions:     make([]*partition, cfg.PartitionCount),
		count:          int32(cfg.PartitionCount),
		capacity:       int32(cfg.PartitionSize),
		maxFrameLength: cfg.MaxFrameLength,
		maxLag:         cfg.MaxLag,
	}
	// The slot of generation start is open; every other slot looks like it
	// finished the generation one lap before the one it serves next.
	for k := int32(0); k < d.count; k++ {
		gen := start + k
		p := &partition{buf: alignedBuffer(cfg.PartitionSize)}
		if k == 0 {
			p.word.Store(pack(gen, 0))
		} else {
			p.word.Store(pack(gen-d.count, d.capacity))
		}
		d.partitions[gen%d.count] = p
	}
	d.active.Store(start)
	d.sub = &Subscription{d: d}
	d.sub.position.Store(position.Of(start, 0))
	return d, nil
}

// alignedBuffer allocates through a uint64 slice so the length fields can be
// accessed atomically.
func alignedBuffer(size int) []byte {
	words := make([]uint64, size/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

func (d *Dispatcher) Name() string { return d.name }

// Subscription returns the single subscription of this dispatcher.
func (d *Dispatcher) Subscription() *Subscription { return d.sub }

// PartitionSize is the capacity of each buffer partition in bytes.
func (d *Dispatcher) PartitionSize() int { return int(d.capacity) }

// MaxFrameLength is the largest claim the dispatcher accepts.
func (d *Dispatcher) MaxFrameLength() int { return d.maxFrameLength }

// SpaceAvailable returns a channel that is closed the next time the
// subscriber frees buffer space. Take it before claiming so a refused claim
// can wait on it without missing the wake-up.
func (d *Dispatcher) SpaceAvailable() <-chan struct{} { return d.space.wait() }

// WaitForSpace blocks until ch, taken from SpaceAvailable, fires or ctx is done.
func WaitForSpace(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Claim reserves one frame carrying length payload bytes on streamID. The
// handler runs once the frame is durably committed; nil is allowed.
func (d *Dispatcher) Claim(length int, streamID int32, handler CompletionHandler) (*Claim, error) {
	framed := frame.FramedLength(length)
	span := frame.AlignedLength(framed)
	if length < 0 || span > d.maxFrameLength {
		return nil, errors.Wrapf(ErrFrameTooLarge, "payload of %d bytes", length)
	}

	pid, p, off, err := d.claimRegion(int32(span))
	if err != nil {
		return nil, err
	}

	buf := p.buf
	buf[off+frame.FlagsOffset] = 0
	putStreamID(buf, int(off), streamID)

	pos := position.Of(pid, off)
	d.register(pos, handler)
	return &Claim{d: d, buf: buf, off: int(off), length: int32(framed), pos: pos}, nil
}

// ClaimBatch reserves len(lengths) contiguous frames on streamID that form
// one logical unit with a single handler.
func (d *Dispatcher) ClaimBatch(streamID int32, lengths []int, handler CompletionHandler) (*BatchClaim, error) {
	if len(lengths) == 0 {
		return nil, errors.New("dispatcher: empty batch")
	}
	total := 0
	for _, l := range lengths {
		if l < 0 {
			return nil, errors.Newf("dispatcher: negative fragment length %d", l)
		}
		total += frame.AlignedLength(frame.FramedLength(l))
	}
	if total > d.maxFrameLength {
		return nil, errors.Wrapf(ErrFrameTooLarge, "batch of %d bytes", total)
	}

	pid, p, off, err := d.claimRegion(int32(total))
	if err != nil {
		return nil, err
	}

	b := &BatchClaim{d: d, buf: p.buf, pos: position.Of(pid, off)}
	cursor := int(off)
	for i, l := range lengths {
		var flags byte
		if i == 0 {
			flags |= frame.FlagBatchBegin
		}
		if i == len(lengths)-1 {
			flags |= frame.FlagBatchEnd
		}
		p.buf[cursor+frame.FlagsOffset] = flags
		putStreamID(p.buf, cursor, streamID)
		b.offsets = append(b.offsets, cursor)
		b.lengths = append(b.lengths, int32(frame.FramedLength(l)))
		cursor += frame.AlignedLength(frame.FramedLength(l))
	}
	d.register(b.pos, handler)
	return b, nil
}

// Offer claims, fills and commits a single frame.
func (d *Dispatcher) Offer(payload []byte, streamID int32, handler CompletionHandler) (position.Position, error) {
	c, err := d.Claim(len(payload), streamID, handler)
	if err != nil {
		return 0, err
	}
	copy(c.Buffer(), payload)
	c.Commit()
	return c.Position(), nil
}

// OfferBatch claims, fills and commits a batch of frames.
func (d *Dispatcher) OfferBatch(streamID int32, payloads [][]byte, handler CompletionHandler) (position.Position, error) {
	lengths := make([]int, len(payloads))
	for i, p := range payloads {
		lengths[i] = len(p)
	}
	b, err := d.ClaimBatch(streamID, lengths, handler)
	if err != nil {
		return 0, err
	}
	for i, p := range payloads {
		copy(b.Fragment(i), p)
	}
	b.Commit()
	return b.Position(), nil
}

func (d *Dispatcher) register(pos position.Position, handler CompletionHandler) {
	if handler == nil {
		handler = noopHandler
	}
	d.handlers.Store(pos, handler)
}

func (d *Dispatcher) takeHandler(pos position.Position) (CompletionHandler, bool) {
	h, ok := d.handlers.LoadAndDelete(pos)
	if !ok {
		return nil, false
	}
	return h.(CompletionHandler), true
}

// claimRegion reserves span bytes in the active partition, rotating to the
// next generation when the active one runs out of room.
func (d *Dispatcher) claimRegion(span int32) (int32, *partition, int32, error) {
	for {
		pid := d.active.Load()
		p := d.partitions[pid%d.count]
		w := p.word.Load()
		gen, tail := unpack(w)
		if gen != pid {
			continue
		}

		if tail >= d.capacity {
			if !d.rotate(pid) {
				metrics.DispatcherClaimsRefused.WithLabelValues(d.name).Inc()
				return 0, nil, 0, ErrBufferFull
			}
			continue
		}

		newTail := tail + span
		if newTail > d.capacity {
			if p.word.CompareAndSwap(w, pack(pid, d.capacity)) {
				frame.StoreLength(p.buf, int(tail), -(d.capacity - tail))
				d.sub.signal()
				d.rotate(pid)
			}
			continue
		}

		sub := d.sub.position.Load()
		if position.Distance(sub, position.Of(pid, newTail), d.capacity) > d.maxLag {
			metrics.DispatcherClaimsRefused.WithLabelValues(d.name).Inc()
			return 0, nil, 0, ErrBufferFull
		}

		if p.word.CompareAndSwap(w, pack(pid, newTail)) {
			return pid, p, tail, nil
		}
	}
}

// rotate activates generation pid+1 once the subscriber has freed the slot
// it maps to. It reports false when the slot is still in use.
func (d *Dispatcher) rotate(pid int32) bool {
	next := pid + 1
	if position.PartitionID(d.sub.position.Load()) <= next-d.count {
		return false
	}

	np := d.partitions[next%d.count]
	for {
		w := np.word.Load()
		if gen, _ := unpack(w); gen >= next {
			break
		}
		if np.word.CompareAndSwap(w, pack(next, 0)) {
			break
		}
	}
	d.active.CompareAndSwap(pid, next)
	return true
}

func putStreamID(buf []byte, off int, streamID int32) {
	binary.LittleEndian.PutUint32(buf[off+frame.StreamIDOffset:], uint32(streamID))
}

// Claim is a reserved frame owned by the producer until Commit or Abort.
type Claim struct {
	d      *Dispatcher
	buf    []byte
	off    int
	length int32
	pos    position.Position
	done   bool
}

// Buffer is the payload area of the claimed frame.
func (c *Claim) Buffer() []byte {
	return c.buf[c.off+frame.HeaderLength : c.off+int(c.length)]
}

// Position is the dispatcher position of the frame start.
func (c *Claim) Position() position.Position { return c.pos }

// Commit publishes the frame to the subscriber.
func (c *Claim) Commit() {
	if c.done {
		return
	}
	c.done = true
	frame.StoreLength(c.buf, c.off, c.length)
	c.d.sub.signal()
}

// Abort releases the frame as padding. Its handler never runs.
func (c *Claim) Abort() {
	if c.done {
		return
	}
	c.done = true
	c.d.handlers.Delete(c.pos)
	c.buf[c.off+frame.FlagsOffset] |= frame.FlagFailed
	frame.StoreLength(c.buf, c.off, -c.length)
	c.d.sub.signal()
}

// BatchClaim is a reserved run of frames forming one logical unit.
type BatchClaim struct {
	d       *Dispatcher
	buf     []byte
	offsets []int
	lengths []int32
	pos     position.Position
	done    bool
}

// Len is the number of fragments in the batch.
func (b *BatchClaim) Len() int { return len(b.offsets) }

// Fragment is the payload area of fragment i.
func (b *BatchClaim) Fragment(i int) []byte {
	off := b.offsets[i]
	return b.buf[off+frame.HeaderLength : off+int(b.lengths[i])]
}

// Position is the dispatcher position of the first fragment.
func (b *BatchClaim) Position() position.Position { return b.pos }

// Commit publishes all fragments. The first fragment goes last so the
// subscriber sees the batch at once.
func (b *BatchClaim) Commit() {
	if b.done {
		return
	}
	b.done = true
	for i := len(b.offsets) - 1; i >= 0; i-- {
		frame.StoreLength(b.buf, b.offsets[i], b.lengths[i])
	}
	b.d.sub.signal()
}

// Abort releases every fragment as padding.
func (b *BatchClaim) Abort() {
	if b.done {
		return
	}
	b.done = true
	b.d.handlers.Delete(b.pos)
	for i := len(b.offsets) - 1; i >= 0; i-- {
		b.buf[b.offsets[i]+frame.FlagsOffset] |= frame.FlagFailed
		frame.StoreLength(b.buf, b.offsets[i], -b.lengths[i])
	}
	b.d.sub.signal()
}

type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
}
