// Package frame lays out and parses the frames stored in the dispatcher buffer.
//
// Layout (little endian):
//
//	0      4       5           9
//	+------+-------+-----------+---------------+---------+
//	|length| flags | stream id | payload ...   | padding |
//	+------+-------+-----------+---------------+---------+
//
// length holds HeaderLength+len(payload). Zero means the frame is claimed but
// not yet committed, a negative value marks padding or a failed frame which
// readers skip by AlignedLength(-length) bytes.
package frame

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

const (
	LengthOffset   = 0
	FlagsOffset    = 4
	StreamIDOffset = 5
	HeaderLength   = 9

	// Alignment is the word size every frame start is aligned to, so that the
	// length field can be published with a single atomic store.
	Alignment = 8
)

const (
	FlagBatchBegin byte = 1 << 0
	FlagBatchEnd   byte = 1 << 1
	FlagFailed     byte = 1 << 2
)

// Header is the decoded form of a frame header.
type Header struct {
	Length   int32
	Flags    byte
	StreamID int32
}

// AlignedLength rounds n up to the next multiple of Alignment.
func AlignedLength(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// FramedLength is the unaligned length of a frame carrying a payload of n bytes.
func FramedLength(n int) int {
	return HeaderLength + n
}

// PutHeader writes h at the start of buf.
func PutHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[LengthOffset:], uint32(h.Length))
	buf[FlagsOffset] = h.Flags
	binary.LittleEndian.PutUint32(buf[StreamIDOffset:], uint32(h.StreamID))
}

// ReadHeader decodes the header at the start of buf.
func ReadHeader(buf []byte) Header {
	return Header{
		Length:   int32(binary.LittleEndian.Uint32(buf[LengthOffset:])),
		Flags:    buf[FlagsOffset],
		StreamID: int32(binary.LittleEndian.Uint32(buf[StreamIDOffset:])),
	}
}

// Payload returns the payload view of the frame at the start of buf.
func Payload(buf []byte) []byte {
	h := ReadHeader(buf)
	if h.Length < HeaderLength {
		return nil
	}
	return buf[HeaderLength:h.Length]
}

// IsBatchBegin reports whether the flags open a batch.
func IsBatchBegin(flags byte) bool { return flags&FlagBatchBegin != 0 }

// IsBatchEnd reports whether the flags close a batch.
func IsBatchEnd(flags byte) bool { return flags&FlagBatchEnd != 0 }

// IsFailed reports whether the flags mark the frame failed.
func IsFailed(flags byte) bool { return flags&FlagFailed != 0 }

// Skippable reports whether a reader must skip the frame.
func (h Header) Skippable() bool {
	return h.Length < 0 || IsFailed(h.Flags)
}

// Span is the number of buffer bytes the frame occupies.
func (h Header) Span() int {
	l := int(h.Length)
	if l < 0 {
		l = -l
	}
	return AlignedLength(l)
}

// LoadLength atomically reads the length field at buf[off:]. off must be
// frame aligned and buf must be backed by an 8-byte aligned allocation.
func LoadLength(buf []byte, off int) int32 {
	return atomic.LoadInt32(lengthAddr(buf, off))
}

// StoreLength atomically publishes the length field at buf[off:].
func StoreLength(buf []byte, off int, length int32) {
	atomic.StoreInt32(lengthAddr(buf, off), length)
}

func lengthAddr(buf []byte, off int) *int32 {
	_ = buf[off+LengthOffset+3]
	return (*int32)(unsafe.Pointer(&buf[off+LengthOffset]))
}

// Iterate walks the frames in buf, which must start on a frame boundary, and
// calls fn for every frame that is not skippable. Iteration stops at the
// first uncommitted frame, at the end of buf, or when fn returns false.
func Iterate(buf []byte, fn func(off int, h Header) bool) {
	for off := 0; off+4 <= len(buf); {
		length := int32(binary.LittleEndian.Uint32(buf[off:]))
		if length == 0 {
			return
		}
		if length < 0 {
			off += AlignedLength(int(-length))
			continue
		}
		if off+int(length) > len(buf) {
			return
		}
		h := ReadHeader(buf[off:])
		if !IsFailed(h.Flags) && !fn(off, h) {
			return
		}
		off += h.Span()
	}
}

// Unit is one logical unit found in a run of frames: a batch delimited by
// the begin and end flags, or a single unflagged frame.
type Unit struct {
	// Offset is the byte offset of the unit's first frame.
	Offset int
	// FirstFrame and LastFrame index the readable frames the unit spans.
	FirstFrame int
	LastFrame  int
}

// Units re-scans buf frame by frame and returns the logical units it holds.
// A batch left open at the end of buf is reported as incomplete.
func Units(buf []byte) (units []Unit, incomplete bool) {
	index := 0
	open := false
	var cur Unit
	Iterate(buf, func(off int, h Header) bool {
		switch {
		case IsBatchBegin(h.Flags):
			cur = Unit{Offset: off, FirstFrame: index}
			open = !IsBatchEnd(h.Flags)
			if !open {
				cur.LastFrame = index
				units = append(units, cur)
			}
		case open:
			if IsBatchEnd(h.Flags) {
				cur.LastFrame = index
				units = append(units, cur)
				open = false
			}
		default:
			units = append(units, Unit{Offset: off, FirstFrame: index, LastFrame: index})
		}
		index++
		return true
	})
	return units, open
}
