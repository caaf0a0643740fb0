package backpressure

import (
	"math"
	"time"
)

type WindowOptions struct {
	MinWindow  time.Duration
	MaxWindow  time.Duration
	WindowSize int
	// Samples faster than MinRTT are ignored.
	MinRTT time.Duration
}

// WindowedLimit averages samples over a window before passing one
// aggregated sample to the wrapped limit.
type WindowedLimit struct {
	delegate Limit
	opts     WindowOptions

	nextUpdate  time.Time
	count       int
	sum         time.Duration
	minRTT      time.Duration
	maxInflight int
	dropped     bool
}

func NewWindowedLimit(delegate Limit, opts WindowOptions) *WindowedLimit {
	if opts.MinWindow <= 0 {
		opts.MinWindow = time.Second
	}
	if opts.MaxWindow < opts.MinWindow {
		opts.MaxWindow = opts.MinWindow
	}
	if opts.WindowSize < 1 {
		opts.WindowSize = 10
	}
	if opts.MinRTT <= 0 {
		opts.MinRTT = 100 * time.Microsecond
	}
	w := &WindowedLimit{delegate: delegate, opts: opts}
	w.reset()
	return w
}

func (w *WindowedLimit) Current() int { return w.delegate.Current() }

func (w *WindowedLimit) OnSample(s Sample) {
	if s.RTT < w.opts.MinRTT {
		return
	}
	w.count++
	w.sum += s.RTT
	if s.RTT < w.minRTT {
		w.minRTT = s.RTT
	}
	if s.Inflight > w.maxInflight {
		w.maxInflight = s.Inflight
	}
	w.dropped = w.dropped || s.Dropped

	end := s.Start.Add(s.RTT)
	if !end.After(w.nextUpdate) || w.count < w.opts.WindowSize {
		return
	}

	agg := Sample{
		Start:    s.Start,
		RTT:      w.sum / time.Duration(w.count),
		Inflight: w.maxInflight,
		Dropped:  w.dropped,
	}
	window := 2 * w.minRTT
	if window < w.opts.MinWindow {
		window = w.opts.MinWindow
	}
	if window > w.opts.MaxWindow {
		window = w.opts.MaxWindow
	}
	w.nextUpdate = end.Add(window)
	w.reset()
	w.delegate.OnSample(agg)
}

func (w *WindowedLimit) reset() {
	w.count = 0
	w.sum = 0
	w.minRTT = time.Duration(math.MaxInt64)
	w.maxInflight = 0
	w.dropped = false
}
