package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/downfa11-org/logstream/util"
)

// headerSize is index(8) term(8) lowest(8) highest(8) codec(1) length(4) crc(4).
const headerSize = 41

var (
	errShortEntry = errors.New("short entry")
	errChecksum   = errors.New("checksum mismatch")

	errAlreadyApplied = errors.New("entry already applied")
)

var codecs = []string{"none", "gzip", "snappy", "lz4", "zstd"}

func codecID(name string) (byte, error) {
	if name == "" {
		return 0, nil
	}
	for i, c := range codecs {
		if c == name {
			return byte(i), nil
		}
	}
	return 0, fmt.Errorf("unsupported compression type: %s", name)
}

// Entry is one durable journal record holding a block of frames.
type Entry struct {
	Index   uint64
	Term    uint64
	Lowest  int64
	Highest int64
	Data    []byte
}

func encodeEntry(e Entry, codec byte) ([]byte, error) {
	data, err := util.Compress(e.Data, codecs[codec])
	if err != nil {
		return nil, fmt.Errorf("compress entry %d: %w", e.Index, err)
	}

	buf := make([]byte, headerSize+len(data))
	binary.LittleEndian.PutUint64(buf[0:], e.Index)
	binary.LittleEndian.PutUint64(buf[8:], e.Term)
	binary.LittleEndian.PutUint64(buf[16:], uint64(e.Lowest))
	binary.LittleEndian.PutUint64(buf[24:], uint64(e.Highest))
	buf[32] = codec
	binary.LittleEndian.PutUint32(buf[33:], uint32(len(data)))
	copy(buf[headerSize:], data)

	crc := crc32.ChecksumIEEE(buf[:37])
	crc = crc32.Update(crc, crc32.IEEETable, buf[headerSize:])
	binary.LittleEndian.PutUint32(buf[37:], crc)
	return buf, nil
}

// entryHeader is the fixed part of an encoded entry.
type entryHeader struct {
	index   uint64
	term    uint64
	lowest  int64
	highest int64
	codec   byte
	length  uint32
	crc     uint32
}

func readHeader(buf []byte) entryHeader {
	return entryHeader{
		index:   binary.LittleEndian.Uint64(buf[0:]),
		term:    binary.LittleEndian.Uint64(buf[8:]),
		lowest:  int64(binary.LittleEndian.Uint64(buf[16:])),
		highest: int64(binary.LittleEndian.Uint64(buf[24:])),
		codec:   buf[32],
		length:  binary.LittleEndian.Uint32(buf[33:]),
		crc:     binary.LittleEndian.Uint32(buf[37:]),
	}
}

func (h entryHeader) size() int64 { return headerSize + int64(h.length) }

func (h entryHeader) verify(header, data []byte) error {
	crc := crc32.ChecksumIEEE(header[:37])
	crc = crc32.Update(crc, crc32.IEEETable, data)
	if crc != h.crc {
		return errChecksum
	}
	return nil
}

func (h entryHeader) decode(data []byte) (Entry, error) {
	if int(h.codec) >= len(codecs) {
		return Entry{}, fmt.Errorf("entry %d: unknown codec %d", h.index, h.codec)
	}
	payload, err := util.Decompress(data, codecs[h.codec])
	if err != nil {
		return Entry{}, fmt.Errorf("decompress entry %d: %w", h.index, err)
	}
	return Entry{Index: h.index, Term: h.term, Lowest: h.lowest, Highest: h.highest, Data: payload}, nil
}
