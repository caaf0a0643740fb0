package protocol

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/storage"
)

var (
	// ErrNotLeader and ErrTimeout are the storage marks, so failures coming
	// back from a partition's writer are classified without translation.
	ErrNotLeader     = storage.ErrNotLeader
	ErrTimeout       = storage.ErrTimeout
	ErrDisconnected  = errors.New("protocol: partition disconnected")
	ErrSessionClosed = errors.New("protocol: session closed")
	ErrEmptyGroup    = errors.New("protocol: group must not be empty")
)

// MarkDisconnected classifies err as a lost connection to the partition.
func MarkDisconnected(err error) error {
	return errors.Mark(err, ErrDisconnected)
}

func retryable(err error) bool {
	return errors.Is(err, ErrNotLeader) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrDisconnected)
}

type RejectionType int

const (
	InvalidArgument RejectionType = iota
	ResourceExhausted
	Internal
)

func (t RejectionType) String() string {
	switch t {
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	default:
		return "INTERNAL"
	}
}

// Rejection is a terminal refusal of a request. It is never retried.
type Rejection struct {
	Type   RejectionType
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("request rejected (%s): %s", r.Type, r.Reason)
}

func reject(t RejectionType, format string, args ...interface{}) *Rejection {
	return &Rejection{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// RetriesExhaustedError is returned once every attempt failed with a
// retryable error. It unwraps to the last cause.
type RetriesExhaustedError struct {
	Group     string
	Partition int
	Attempts  int
	Cause     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("group %s partition %d: request failed after %d attempts: %v", e.Group, e.Partition, e.Attempts, e.Cause)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Cause }
