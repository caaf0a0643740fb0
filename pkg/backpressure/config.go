package backpressure

import (
	"github.com/downfa11-org/logstream/pkg/config"
	"github.com/downfa11-org/logstream/util"
)

// FromConfig builds the limiter selected by cfg for partition.
func FromConfig(cfg config.Backpressure, partition int) AppendLimiter {
	if !cfg.Enabled {
		util.Warn("[BACKPRESSURE] No back pressure for the log appender (partition = %d) configured! This might cause problems.", partition)
		return &Noop{}
	}

	var (
		limit    Limit
		min, max int
	)
	switch cfg.Algorithm {
	case "aimd":
		a := cfg.AIMD
		limit = NewAIMDLimit(AIMDOptions{
			RequestTimeout: a.RequestTimeout,
			InitialLimit:   a.InitialLimit,
			MinLimit:       a.MinLimit,
			MaxLimit:       a.MaxLimit,
			BackoffRatio:   a.BackoffRatio,
		})
		min, max = a.MinLimit, a.MaxLimit
	case "gradient2":
		g := cfg.Gradient2
		limit = NewGradient2Limit(Gradient2Options{
			MinLimit:     g.MinLimit,
			InitialLimit: g.InitialLimit,
			MaxLimit:     g.MaxLimit,
			QueueSize:    g.QueueSize,
			LongWindow:   g.LongWindow,
		})
		min, max = g.MinLimit, g.MaxLimit
	case "fixed":
		limit = NewFixedLimit(cfg.FixedLimit)
		min, max = cfg.FixedLimit, cfg.FixedLimit
	default:
		v := cfg.Vegas
		limit = NewVegasLimit(VegasOptions{
			InitialLimit: v.InitialLimit,
			MaxLimit:     v.MaxLimit,
			Alpha:        v.Alpha,
			Beta:         v.Beta,
		})
		min, max = 1, v.MaxLimit
	}

	if cfg.Windowed {
		limit = NewWindowedLimit(limit, WindowOptions{
			MinWindow:  cfg.Window.MinWindow,
			MaxWindow:  cfg.Window.MaxWindow,
			WindowSize: cfg.Window.WindowSize,
			MinRTT:     cfg.Window.MinRTT,
		})
	}

	util.Debug("[BACKPRESSURE] Configured log appender back pressure at partition %d as %s. Window limiting is %v",
		partition, cfg.Algorithm, cfg.Windowed)
	return New(limit, WithBounds(min, max))
}
