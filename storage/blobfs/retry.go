package blobfs

import (
	"context"
	"time"

	"github.com/hadv/NebulaStore-sub007/logger"
)

// RetryPolicy bounds the exponential backoff applied to Transient BFS
// errors before they are promoted to Fatal and surfaced to the caller.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the teacher's AtomicFileManager defaults:
// a handful of attempts with a sub-second ceiling, enough to ride out a
// transient network blip without stalling a channel worker for long.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// WithRetry runs op, retrying while it returns a Transient *Error, using
// bounded exponential backoff. If every attempt is Transient, the last
// error is rewrapped as Fatal and returned. A Fatal or NotFound error
// from op is returned immediately without retrying.
func WithRetry(ctx context.Context, policy RetryPolicy, op string, path string, fn func() (interface{}, error)) (interface{}, error) {
	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		e, ok := err.(*Error)
		if !ok || e.Kind != KindTransient {
			return nil, err
		}
		logger.Warn("blobfs transient error, retrying",
			logger.Str("op", op), logger.Str("path", path),
			logger.Int64("attempt", int64(attempt)))
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, newErr(KindFatal, op, path, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return nil, newErr(KindFatal, op, path, lastErr)
}
