package backpressure

import (
	"math"
	"time"
)

type Gradient2Options struct {
	MinLimit     int
	InitialLimit int
	MaxLimit     int
	// QueueSize is the headroom added on top of the gradient-scaled limit.
	QueueSize int
	// LongWindow is the number of samples averaged into the long-term RTT.
	LongWindow int
	// RTTTolerance is how much slower than the long-term RTT a sample may be
	// before the limit shrinks.
	RTTTolerance float64
	Smoothing    float64
}

// Gradient2Limit compares a short-term RTT against a long-term exponential
// average and scales the limit by their ratio, clamped to [0.5, 1].
type Gradient2Limit struct {
	opts      Gradient2Options
	estimated float64
	longRTT   float64
	longCount int
}

func NewGradient2Limit(opts Gradient2Options) *Gradient2Limit {
	if opts.MinLimit < 1 {
		opts.MinLimit = 10
	}
	if opts.MaxLimit < opts.MinLimit {
		opts.MaxLimit = 32768
	}
	if opts.InitialLimit < 1 {
		opts.InitialLimit = 1024
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 32
	}
	if opts.LongWindow < 1 {
		opts.LongWindow = 1200
	}
	if opts.RTTTolerance < 1 {
		opts.RTTTolerance = 1.5
	}
	if opts.Smoothing <= 0 || opts.Smoothing > 1 {
		opts.Smoothing = 0.2
	}
	return &Gradient2Limit{
		opts:      opts,
		estimated: float64(clamp(opts.InitialLimit, opts.MinLimit, opts.MaxLimit)),
	}
}

func (l *Gradient2Limit) Current() int { return int(l.estimated) }

func (l *Gradient2Limit) OnSample(s Sample) {
	short := float64(s.RTT)
	if short <= 0 {
		short = float64(time.Nanosecond)
	}
	l.updateLong(short)

	// Let the long-term RTT recover quickly after a sustained slowdown.
	if l.longRTT/short > 2 {
		l.longRTT *= 0.95
	}

	if float64(s.Inflight) < l.estimated/2 {
		return
	}

	gradient := math.Max(0.5, math.Min(1.0, l.opts.RTTTolerance*l.longRTT/short))
	next := l.estimated*gradient + float64(l.opts.QueueSize)
	next = l.estimated*(1-l.opts.Smoothing) + next*l.opts.Smoothing
	l.estimated = math.Max(float64(l.opts.MinLimit), math.Min(float64(l.opts.MaxLimit), next))
}

func (l *Gradient2Limit) updateLong(rtt float64) {
	if l.longCount < l.opts.LongWindow {
		// Plain average until the window is full.
		l.longCount++
		l.longRTT += (rtt - l.longRTT) / float64(l.longCount)
		return
	}
	factor := 2.0 / float64(l.opts.LongWindow+1)
	l.longRTT = l.longRTT*(1-factor) + rtt*factor
}
