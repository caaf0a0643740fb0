package dispatcher

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/downfa11-org/logstream/pkg/actor"
	"github.com/downfa11-org/logstream/pkg/frame"
	"github.com/downfa11-org/logstream/pkg/position"
)

// Subscription is the consumer-side cursor of a dispatcher. PeekBlock,
// MarkCompleted and MarkFailed must only be called by one goroutine at a time.
type Subscription struct {
	d        *Dispatcher
	position atomic.Int64
	wake     actor.Condition
}

// Position returns the first position not yet consumed.
func (s *Subscription) Position() position.Position { return s.position.Load() }

// Register adds sig to the set woken on every publish.
func (s *Subscription) Register(sig actor.Signaler) { s.wake.Add(sig) }

// Unregister removes sig from the wake-up set.
func (s *Subscription) Unregister(sig actor.Signaler) { s.wake.Remove(sig) }

func (s *Subscription) signal() { s.wake.Signal() }

// PeekBlock returns the next run of committed frames starting at the
// subscription position, or false if nothing is ready. The block is limited
// to maxLength bytes unless its first unit alone is larger. With
// aggregateBatches a batch is never split across blocks.
func (s *Subscription) PeekBlock(maxLength int, aggregateBatches bool) (*Block, bool) {
	d := s.d
	for {
		pos := s.position.Load()
		pid, off := position.PartitionID(pos), position.Offset(pos)
		p := d.partitions[pid%d.count]
		if gen, _ := unpack(p.word.Load()); gen != pid {
			return nil, false
		}
		if off >= d.capacity {
			s.advance(position.Of(pid+1, 0))
			continue
		}

		raw := frame.LoadLength(p.buf, int(off))
		if raw == 0 {
			return nil, false
		}
		if raw < 0 || frame.IsFailed(p.buf[int(off)+frame.FlagsOffset]) {
			span := frame.Header{Length: raw}.Span()
			s.advance(position.Normalize(position.Of(pid, off+int32(span)), d.capacity))
			continue
		}

		return s.scan(pid, p, off, maxLength, aggregateBatches)
	}
}

func (s *Subscription) scan(pid int32, p *partition, start int32, maxLength int, aggregate bool) (*Block, bool) {
	d := s.d
	buf := p.buf
	streamID := readStreamID(buf, int(start))

	var units []Unit
	cursor := int(start)
	frames := 0
	for cursor < int(d.capacity) {
		raw := frame.LoadLength(buf, cursor)
		if raw <= 0 {
			break
		}
		flags := buf[cursor+frame.FlagsOffset]
		if frame.IsFailed(flags) || readStreamID(buf, cursor) != streamID {
			break
		}

		unitEnd := cursor + frame.AlignedLength(int(raw))
		count := 1
		if aggregate && frame.IsBatchBegin(flags) && !frame.IsBatchEnd(flags) {
			end, n, complete := batchEnd(buf, unitEnd, int(d.capacity))
			if !complete {
				break
			}
			unitEnd, count = end, n+1
		}
		if cursor > int(start) && unitEnd-int(start) > maxLength {
			break
		}

		// Fragments inside a batch have no handler registered.
		pos := position.Of(pid, int32(cursor))
		if h, ok := d.takeHandler(pos); ok {
			units = append(units, Unit{Position: pos, FirstRecord: frames, LastRecord: frames + count - 1, Handler: h})
		}
		frames += count
		cursor = unitEnd
	}

	if cursor == int(start) {
		return nil, false
	}
	return &Block{
		sub:      s,
		buf:      buf[start:cursor],
		start:    position.Of(pid, start),
		next:     position.Normalize(position.Of(pid, int32(cursor)), d.capacity),
		streamID: streamID,
		frames:   frames,
		units:    units,
	}, true
}

// batchEnd scans committed frames from off until the one closing the batch
// and reports how many frames it passed.
func batchEnd(buf []byte, off, limit int) (int, int, bool) {
	n := 0
	for off < limit {
		raw := frame.LoadLength(buf, off)
		if raw <= 0 || frame.IsFailed(buf[off+frame.FlagsOffset]) {
			return off, n, false
		}
		flags := buf[off+frame.FlagsOffset]
		off += frame.AlignedLength(int(raw))
		n++
		if frame.IsBatchEnd(flags) {
			return off, n, true
		}
	}
	return off, n, false
}

func readStreamID(buf []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[off+frame.StreamIDOffset:]))
}

// MarkCompleted releases the block and advances past it.
func (s *Subscription) MarkCompleted(b *Block) {
	if b.done {
		return
	}
	b.done = true
	s.advance(b.next)
}

// MarkFailed flags every frame of the block failed and advances past it.
// Its handlers are dropped.
func (s *Subscription) MarkFailed(b *Block) {
	if b.done {
		return
	}
	b.done = true
	for off := 0; off+frame.HeaderLength <= len(b.buf); {
		raw := int32(binary.LittleEndian.Uint32(b.buf[off:]))
		if raw == 0 {
			break
		}
		b.buf[off+frame.FlagsOffset] |= frame.FlagFailed
		off += frame.Header{Length: raw}.Span()
	}
	b.units = nil
	s.advance(b.next)
}

// advance moves the subscription to max(current, next). Partitions the
// cursor leaves behind are zeroed before the new position is published so
// producers never reuse bytes the subscriber may still read.
func (s *Subscription) advance(next position.Position) {
	d := s.d
	for {
		cur := s.position.Load()
		if next <= cur {
			break
		}
		for g := position.PartitionID(cur); g < position.PartitionID(next); g++ {
			clear(d.partitions[g%d.count].buf)
		}
		if s.position.CompareAndSwap(cur, next) {
			break
		}
	}
	d.space.broadcast()
}

// Unit is one logical unit of a block: a single frame or a whole batch,
// together with the handler registered when it was claimed.
type Unit struct {
	Position    position.Position
	FirstRecord int
	LastRecord  int
	Handler     CompletionHandler
}

// Block is a view over contiguous committed frames, owned by the caller of
// PeekBlock until MarkCompleted or MarkFailed. The bytes must not be used
// after that.
type Block struct {
	sub      *Subscription
	buf      []byte
	start    position.Position
	next     position.Position
	streamID int32
	frames   int
	units    []Unit
	done     bool
}

// Bytes is the raw frame data of the block.
func (b *Block) Bytes() []byte { return b.buf }

// Len is the number of bytes in the block, padding included.
func (b *Block) Len() int { return len(b.buf) }

// Position is the position of the first frame.
func (b *Block) Position() position.Position { return b.start }

// NextPosition is the position right after the block.
func (b *Block) NextPosition() position.Position { return b.next }

// StreamID is the stream every frame in the block belongs to.
func (b *Block) StreamID() int32 { return b.streamID }

// FrameCount is the number of frames in the block.
func (b *Block) FrameCount() int { return b.frames }

// Units are the units of the block that carry a handler, in scan order.
func (b *Block) Units() []Unit { return b.units }

// Frames calls fn for each readable frame with its position and payload.
func (b *Block) Frames(fn func(pos position.Position, h frame.Header, payload []byte)) {
	frame.Iterate(b.buf, func(off int, h frame.Header) bool {
		fn(b.start+int64(off), h, b.buf[off+frame.HeaderLength:off+int(h.Length)])
		return true
	})
}
