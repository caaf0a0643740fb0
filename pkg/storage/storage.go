// Package storage defines the durable append target the appender writes
// blocks to.
package storage

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotLeader marks errors caused by this node losing or not holding
	// leadership. They are benign for the appender.
	ErrNotLeader = errors.New("storage: not leader")
	ErrTimeout   = errors.New("storage: timeout")
	ErrClosed    = errors.New("storage: closed")
)

// Address identifies a durable entry.
type Address struct {
	Index uint64
	Term  uint64
}

func (a Address) String() string { return fmt.Sprintf("%d@%d", a.Index, a.Term) }

// AppendListener receives the outcome of one append. OnWrite or OnWriteError
// is called exactly once, and after a successful write OnCommit or
// OnCommitError is called exactly once. Callbacks may run on any goroutine.
type AppendListener interface {
	OnWrite(addr Address)
	OnWriteError(err error)
	OnCommit(addr Address)
	OnCommitError(addr Address, err error)
}

// LogStorage persists blocks of frames. lowest and highest are the
// dispatcher positions of the first and last frame of the block. When Append
// returns an error the listener is not called.
type LogStorage interface {
	Append(ctx context.Context, lowest, highest int64, block []byte, listener AppendListener) error
	Close() error
}

// PositionTracker is implemented by storages that know the highest
// dispatcher position they hold, so a restarted writer can continue above it.
type PositionTracker interface {
	LastPosition() (int64, bool)
}

// IsBenign reports whether err only signals a role change.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotLeader)
}

// IsTimeout reports whether err is timeout classified.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// MarkNotLeader classifies err as a leadership error.
func MarkNotLeader(err error) error {
	return errors.Mark(err, ErrNotLeader)
}

// MarkTimeout classifies err as a timeout.
func MarkTimeout(err error) error {
	return errors.Mark(err, ErrTimeout)
}

// ListenerFuncs adapts functions to AppendListener. Nil fields are skipped.
type ListenerFuncs struct {
	Write       func(Address)
	WriteError  func(error)
	Commit      func(Address)
	CommitError func(Address, error)
}

func (f ListenerFuncs) OnWrite(a Address) {
	if f.Write != nil {
		f.Write(a)
	}
}

func (f ListenerFuncs) OnWriteError(err error) {
	if f.WriteError != nil {
		f.WriteError(err)
	}
}

func (f ListenerFuncs) OnCommit(a Address) {
	if f.Commit != nil {
		f.Commit(a)
	}
}

func (f ListenerFuncs) OnCommitError(a Address, err error) {
	if f.CommitError != nil {
		f.CommitError(a, err)
	}
}
