// Package pebblestore implements the raft log and stable stores on pebble.
package pebblestore

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrKeyNotFound matches the message raft checks for on missing stable keys.
var ErrKeyNotFound = errors.New("not found")

var (
	logPrefix    = []byte("l")
	logUpper     = []byte("m")
	stablePrefix = []byte("s")
)

type logRecord struct {
	Index      uint64    `msgpack:"i"`
	Term       uint64    `msgpack:"t"`
	Type       uint8     `msgpack:"y"`
	Data       []byte    `msgpack:"d"`
	Extensions []byte    `msgpack:"e,omitempty"`
	AppendedAt time.Time `msgpack:"a"`
}

// Store is a raft.LogStore and raft.StableStore.
type Store struct {
	db       *pebble.DB
	onStored atomic.Pointer[func([]*raft.Log)]
}

var (
	_ raft.LogStore    = (*Store)(nil)
	_ raft.StableStore = (*Store)(nil)
)

// Open opens the store in dir. opts may be nil.
func Open(dir string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble store at %s", dir)
	}
	return &Store{db: db}, nil
}

// OnStored registers fn to be called after logs are durably stored.
func (s *Store) OnStored(fn func([]*raft.Log)) {
	s.onStored.Store(&fn)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func logKey(idx uint64) []byte {
	key := make([]byte, 1+8)
	key[0] = logPrefix[0]
	binary.BigEndian.PutUint64(key[1:], idx)
	return key
}

func stableKey(key []byte) []byte {
	return append(append([]byte(nil), stablePrefix...), key...)
}

func (s *Store) boundIndex(last bool) (uint64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: logPrefix, UpperBound: logUpper})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var ok bool
	if last {
		ok = it.Last()
	} else {
		ok = it.First()
	}
	if !ok {
		return 0, nil
	}
	return binary.BigEndian.Uint64(it.Key()[1:]), nil
}

func (s *Store) FirstIndex() (uint64, error) { return s.boundIndex(false) }

func (s *Store) LastIndex() (uint64, error) { return s.boundIndex(true) }

func (s *Store) GetLog(index uint64, log *raft.Log) error {
	val, closer, err := s.db.Get(logKey(index))
	if errors.Is(err, pebble.ErrNotFound) {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	var rec logRecord
	if err := msgpack.Unmarshal(val, &rec); err != nil {
		return errors.Wrapf(err, "decode log %d", index)
	}
	*log = raft.Log{
		Index:      rec.Index,
		Term:       rec.Term,
		Type:       raft.LogType(rec.Type),
		Data:       rec.Data,
		Extensions: rec.Extensions,
		AppendedAt: rec.AppendedAt,
	}
	return nil
}

func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

func (s *Store) StoreLogs(logs []*raft.Log) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, l := range logs {
		val, err := msgpack.Marshal(&logRecord{
			Index:      l.Index,
			Term:       l.Term,
			Type:       uint8(l.Type),
			Data:       l.Data,
			Extensions: l.Extensions,
			AppendedAt: l.AppendedAt,
		})
		if err != nil {
			return errors.Wrapf(err, "encode log %d", l.Index)
		}
		if err := b.Set(logKey(l.Index), val, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "commit logs")
	}

	if fn := s.onStored.Load(); fn != nil {
		(*fn)(logs)
	}
	return nil
}

// DeleteRange removes logs in [min, max].
func (s *Store) DeleteRange(min, max uint64) error {
	upper := logUpper
	if max < math.MaxUint64 {
		upper = logKey(max + 1)
	}
	return s.db.DeleteRange(logKey(min), upper, pebble.Sync)
}

func (s *Store) Set(key, val []byte) error {
	return s.db.Set(stableKey(key), val, pebble.Sync)
}

func (s *Store) Get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(stableKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *Store) SetUint64(key []byte, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	return s.Set(key, buf[:])
}

func (s *Store) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, errors.Newf("stable key %q holds %d bytes, not a uint64", key, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}
