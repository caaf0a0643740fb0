package protocol

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/downfa11-org/logstream/pkg/metrics"
	"github.com/downfa11-org/logstream/util"
)

// Execute routes key to its partition and runs op there, retrying
// leader changes, timeouts and disconnects up to MaxRetries times.
func Execute[T any](ctx context.Context, p *Protocol, key []byte, partitionCount int, op func(ctx context.Context, partition int) (T, error)) (T, error) {
	if partitionCount <= 0 {
		var zero T
		return zero, reject(InvalidArgument, "partition count must be positive, got %d", partitionCount)
	}
	return executeOn(ctx, p, p.Partition(key, partitionCount), op)
}

func executeOn[T any](ctx context.Context, p *Protocol, partition int, op func(ctx context.Context, partition int) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.cfg.MaxRetries + 1
	backoff := p.cfg.RetryDelay

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx, partition)
		if err == nil {
			return v, nil
		}
		var rejection *Rejection
		if errors.As(err, &rejection) || !retryable(err) {
			return zero, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err

		if errors.Is(err, ErrDisconnected) {
			if p.cfg.Recovery == Close {
				if closeErr := p.sessions.Close(partition); closeErr != nil {
					util.Warn("[PROTOCOL] group %s: failed to close session of partition %d: %v", p.cfg.Group, partition, closeErr)
				}
				return zero, errors.WithSecondaryError(
					errors.Wrapf(ErrSessionClosed, "group %s partition %d", p.cfg.Group, partition), err)
			}
			if recErr := p.recover(ctx, partition); recErr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return zero, ctxErr
				}
				util.Warn("[PROTOCOL] group %s: recovery of partition %d failed: %v", p.cfg.Group, partition, recErr)
			}
		}

		if attempt == maxAttempts {
			break
		}
		metrics.ProtocolRetries.WithLabelValues(p.cfg.Group).Inc()
		util.Debug("[PROTOCOL] group %s partition %d: attempt %d/%d failed, retrying: %v", p.cfg.Group, partition, attempt, maxAttempts, err)
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			backoff = min(backoff*2, MaxRetryDelay)
		}
	}

	metrics.ProtocolExhausted.WithLabelValues(p.cfg.Group).Inc()
	return zero, &RetriesExhaustedError{Group: p.cfg.Group, Partition: partition, Attempts: maxAttempts, Cause: lastErr}
}

// recover runs one session recovery per partition at a time. The recovery
// keeps running when ctx is cancelled so later requests can use it.
func (p *Protocol) recover(ctx context.Context, partition int) error {
	ch := p.recoveries.DoChan(strconv.Itoa(partition), func() (interface{}, error) {
		err := p.sessions.Recover(context.WithoutCancel(ctx), partition)
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.ProtocolRecoveries.WithLabelValues(p.cfg.Group, result).Inc()
		return nil, err
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
