package coordinate

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds retries of an operation that can fail transiently. Only
// errors carrying the transient marker are retried; everything else, business
// errors included, propagates immediately since retrying cannot change the
// outcome.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// BaseDelay scales the exponential backoff: attempt n waits 2^n * BaseDelay.
	BaseDelay time.Duration

	// Logger records retry attempts at debug level. Nil disables logging.
	Logger *zap.Logger
}

// DefaultRetryPolicy matches the store's conventional settings: three
// attempts with a 100ms backoff base.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	return p.BaseDelay << attempt
}

// WithRetry invokes op until it succeeds, fails permanently, or exhausts the
// policy's attempt budget. The last error is returned unwrapped so callers
// can classify it themselves.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		var result T
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) || attempt == policy.MaxAttempts {
			return zero, err
		}

		delay := policy.backoff(attempt)
		if policy.Logger != nil {
			policy.Logger.Debug("retrying after transient error",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
	return zero, err
}
