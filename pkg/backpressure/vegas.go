package backpressure

import (
	"math"
	"time"
)

type VegasOptions struct {
	InitialLimit int
	MaxLimit     int
	// Alpha and Beta scale the limit into the lower and upper queue
	// thresholds, at least 3 and 6.
	Alpha float64
	Beta  float64
	// ProbeMultiplier sets how often, in multiples of the limit, the no-load
	// RTT is reset to the latest sample.
	ProbeMultiplier int
}

// VegasLimit estimates the queue as limit*(1-rttNoLoad/rtt) and grows or
// shrinks the limit to keep it between alpha and beta.
type VegasLimit struct {
	opts      VegasOptions
	limit     float64
	rttNoLoad time.Duration
	samples   int
}

func NewVegasLimit(opts VegasOptions) *VegasLimit {
	if opts.MaxLimit < 1 {
		opts.MaxLimit = 32768
	}
	if opts.InitialLimit < 1 {
		opts.InitialLimit = 1024
	}
	if opts.Alpha <= 0 {
		opts.Alpha = 0.7
	}
	if opts.Beta <= opts.Alpha {
		opts.Beta = 0.95
	}
	if opts.ProbeMultiplier <= 0 {
		opts.ProbeMultiplier = 30
	}
	return &VegasLimit{opts: opts, limit: float64(clamp(opts.InitialLimit, 1, opts.MaxLimit))}
}

func (l *VegasLimit) Current() int { return int(l.limit) }

func (l *VegasLimit) OnSample(s Sample) {
	l.samples++
	if l.samples >= l.opts.ProbeMultiplier*int(l.limit) {
		l.samples = 0
		l.rttNoLoad = s.RTT
		return
	}
	if l.rttNoLoad == 0 || s.RTT < l.rttNoLoad {
		l.rttNoLoad = s.RTT
		return
	}

	limit := l.limit
	step := math.Max(1, math.Log10(limit))
	switch {
	case s.Dropped:
		limit -= step
	case float64(s.Inflight)*2 < limit:
		return
	default:
		queue := math.Ceil(limit * (1 - float64(l.rttNoLoad)/float64(s.RTT)))
		alpha := math.Max(3, limit*l.opts.Alpha)
		beta := math.Max(6, limit*l.opts.Beta)
		switch {
		case queue <= step:
			limit += beta
		case queue < alpha:
			limit += step
		case queue > beta:
			limit -= step
		default:
			return
		}
	}
	l.limit = math.Max(1, math.Min(float64(l.opts.MaxLimit), limit))
}
