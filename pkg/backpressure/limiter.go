package backpressure

import (
	"math"
	"sync"
	"time"
)

// AppendLimiter admits appends. It is implemented by Limiter and Noop.
type AppendLimiter interface {
	TryAcquire() (*Permit, bool)
	OnSuccess(p *Permit, rtt time.Duration)
	OnDrop(p *Permit)
	OnTimeout(p *Permit)
	// Release returns a permit that was never used, without a sample.
	Release(p *Permit)
	Limit() int
	Inflight() int
}

// Permit is one in-flight append. Releasing it twice is a no-op.
type Permit struct {
	start    time.Time
	inflight int
	released bool
}

// Start is when the permit was acquired.
func (p *Permit) Start() time.Time { return p.start }

type Option func(*Limiter)

// WithBounds clamps the reported limit to [min, max].
func WithBounds(min, max int) Option {
	return func(l *Limiter) {
		l.min, l.max = min, max
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter hands out permits up to the estimated limit.
type Limiter struct {
	mu       sync.Mutex
	limit    Limit
	min, max int
	inflight int
	now      func() time.Time
}

func New(limit Limit, opts ...Option) *Limiter {
	l := &Limiter{limit: limit, min: 1, max: math.MaxInt32, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.min < 1 {
		l.min = 1
	}
	if l.max < l.min {
		l.max = l.min
	}
	return l
}

// Limit is the current limit clamped to the bounds. It never drops below
// the permits already handed out.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitLocked()
}

func (l *Limiter) limitLocked() int {
	limit := clamp(l.limit.Current(), l.min, l.max)
	if l.inflight > limit {
		return l.inflight
	}
	return limit
}

func (l *Limiter) Inflight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}

func (l *Limiter) TryAcquire() (*Permit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight >= clamp(l.limit.Current(), l.min, l.max) {
		return nil, false
	}
	l.inflight++
	return &Permit{start: l.now(), inflight: l.inflight}, true
}

func (l *Limiter) OnSuccess(p *Permit, rtt time.Duration) {
	l.release(p, rtt, false)
}

func (l *Limiter) OnDrop(p *Permit) {
	l.release(p, l.now().Sub(p.start), true)
}

// OnTimeout reports the permit as dropped with its full elapsed time.
func (l *Limiter) OnTimeout(p *Permit) {
	l.release(p, l.now().Sub(p.start), true)
}

func (l *Limiter) Release(p *Permit) {
	if p == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !p.released {
		p.released = true
		l.inflight--
	}
}

func (l *Limiter) release(p *Permit, rtt time.Duration, dropped bool) {
	if p == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	l.inflight--
	l.limit.OnSample(Sample{Start: p.start, RTT: rtt, Inflight: p.inflight, Dropped: dropped})
}
