// Package backpressure estimates how many appends may be in flight at once
// and hands out permits accordingly.
package backpressure

import "time"

// Sample is the outcome of one permit.
type Sample struct {
	Start    time.Time
	RTT      time.Duration
	Inflight int
	Dropped  bool
}

// Limit is an estimator adjusting a concurrency limit from samples.
type Limit interface {
	Current() int
	OnSample(s Sample)
}

// FixedLimit never changes.
type FixedLimit struct {
	limit int
}

func NewFixedLimit(limit int) *FixedLimit {
	if limit < 1 {
		limit = 1
	}
	return &FixedLimit{limit: limit}
}

func (l *FixedLimit) Current() int    { return l.limit }
func (l *FixedLimit) OnSample(Sample) {}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
