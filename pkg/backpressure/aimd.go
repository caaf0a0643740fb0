package backpressure

import "time"

type AIMDOptions struct {
	RequestTimeout time.Duration
	InitialLimit   int
	MinLimit       int
	MaxLimit       int
	BackoffRatio   float64
}

// AIMDLimit grows by one while the limit is in use and shrinks by
// BackoffRatio on a drop or a sample slower than RequestTimeout.
type AIMDLimit struct {
	opts  AIMDOptions
	limit int
}

func NewAIMDLimit(opts AIMDOptions) *AIMDLimit {
	if opts.MinLimit < 1 {
		opts.MinLimit = 1
	}
	if opts.MaxLimit < opts.MinLimit {
		opts.MaxLimit = opts.MinLimit
	}
	if opts.BackoffRatio <= 0 || opts.BackoffRatio >= 1 {
		opts.BackoffRatio = 0.9
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	return &AIMDLimit{opts: opts, limit: clamp(opts.InitialLimit, opts.MinLimit, opts.MaxLimit)}
}

func (l *AIMDLimit) Current() int { return l.limit }

func (l *AIMDLimit) OnSample(s Sample) {
	switch {
	case s.Dropped || s.RTT > l.opts.RequestTimeout:
		l.limit = int(float64(l.limit) * l.opts.BackoffRatio)
	case s.Inflight*2 >= l.limit:
		l.limit++
	}
	l.limit = clamp(l.limit, l.opts.MinLimit, l.opts.MaxLimit)
}
