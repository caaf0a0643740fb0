package backpressure

import (
	"math"
	"sync/atomic"
	"time"
)

// Noop admits everything.
type Noop struct {
	inflight atomic.Int64
}

func (n *Noop) TryAcquire() (*Permit, bool) {
	n.inflight.Add(1)
	return &Permit{start: time.Now()}, true
}

func (n *Noop) OnSuccess(p *Permit, _ time.Duration) { n.release(p) }
func (n *Noop) OnDrop(p *Permit)                     { n.release(p) }
func (n *Noop) OnTimeout(p *Permit)                  { n.release(p) }
func (n *Noop) Release(p *Permit)                    { n.release(p) }

func (n *Noop) release(p *Permit) {
	if p == nil || p.released {
		return
	}
	p.released = true
	n.inflight.Add(-1)
}

func (n *Noop) Limit() int    { return math.MaxInt32 }
func (n *Noop) Inflight() int { return int(n.inflight.Load()) }
