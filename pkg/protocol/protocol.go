// Package protocol routes keyed requests to partitions and retries them
// across leader changes and disconnects.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/util"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// MaxRetryDelay caps the exponential backoff between attempts.
const MaxRetryDelay = 10 * time.Second

// Partitioner maps a key onto one of count partitions.
type Partitioner func(key []byte, count int) int

func XXHash(key []byte, count int) int { return util.XXHash(key) % count }

func FNV(key []byte, count int) int { return util.Hash(string(key)) % count }

// ParsePartitioner maps a partitioner name to its function, falling back to
// XXHash.
func ParsePartitioner(name string) Partitioner {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fnv":
		return FNV
	case "xxhash", "":
		return XXHash
	default:
		util.Warn("Invalid partitioner '%s', defaulting to 'xxhash'", name)
		return XXHash
	}
}

// Recovery is what happens to a partition session after a disconnect.
type Recovery int

const (
	Recover Recovery = iota
	Close
)

// ParseRecovery maps a strategy name to a Recovery, falling back to Recover.
func ParseRecovery(s string) Recovery {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "close":
		return Close
	default:
		return Recover
	}
}

func (r Recovery) String() string {
	if r == Close {
		return "close"
	}
	return "recover"
}

func (r *Recovery) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("recovery must be a string (recover/close)")
	}
	*r = ParseRecovery(s)
	return nil
}

func (r *Recovery) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("recovery must be a string (recover/close)")
	}
	*r = ParseRecovery(s)
	return nil
}

// Sessions manages the connections to partitions.
type Sessions interface {
	// Recover re-establishes the session to partition.
	Recover(ctx context.Context, partition int) error
	// Close drops the session to partition for good.
	Close(partition int) error
}

type noSessions struct{}

func (noSessions) Recover(context.Context, int) error { return nil }
func (noSessions) Close(int) error                    { return nil }

type Config struct {
	Group       string
	Partitioner Partitioner
	Recovery    Recovery
	MaxRetries  int
	RetryDelay  time.Duration
}

type Builder struct {
	cfg      Config
	sessions Sessions
}

func NewBuilder(group string) *Builder {
	return &Builder{cfg: Config{Group: group, Partitioner: XXHash, Recovery: Recover}}
}

// FromConfig starts a builder from the protocol section of the node config.
func FromConfig(cfg config.ProtocolConfig) *Builder {
	return NewBuilder(cfg.Group).
		WithPartitioner(ParsePartitioner(cfg.Partitioner)).
		WithRecoveryStrategy(ParseRecovery(cfg.Recovery)).
		WithMaxRetries(cfg.MaxRetries).
		WithRetryDelay(time.Duration(cfg.RetryDelayMS) * time.Millisecond)
}

func (b *Builder) WithPartitioner(p Partitioner) *Builder {
	b.cfg.Partitioner = p
	return b
}

func (b *Builder) WithRecoveryStrategy(r Recovery) *Builder {
	b.cfg.Recovery = r
	return b
}

func (b *Builder) WithMaxRetries(n int) *Builder {
	b.cfg.MaxRetries = n
	return b
}

// WithRetryDelay sets the first backoff. It doubles per attempt up to
// MaxRetryDelay.
func (b *Builder) WithRetryDelay(d time.Duration) *Builder {
	b.cfg.RetryDelay = d
	return b
}

func (b *Builder) WithSessions(s Sessions) *Builder {
	b.sessions = s
	return b
}

func (b *Builder) Build() (*Protocol, error) {
	cfg := b.cfg
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, ErrEmptyGroup
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.Newf("protocol: max retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Partitioner == nil {
		cfg.Partitioner = XXHash
	}
	sessions := b.sessions
	if sessions == nil {
		sessions = noSessions{}
	}
	return &Protocol{cfg: cfg, sessions: sessions}, nil
}

// Protocol is immutable once built and safe for concurrent use.
type Protocol struct {
	cfg      Config
	sessions Sessions

	recoveries singleflight.Group
	next       atomic.Uint64
}

func (p *Protocol) Config() Config { return p.cfg }

// Partition is the partition key routes to.
func (p *Protocol) Partition(key []byte, count int) int {
	return p.cfg.Partitioner(key, count)
}
