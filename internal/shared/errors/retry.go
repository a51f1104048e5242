package errors

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"foreman/internal/shared/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts int           // retries after the first call
	BaseDelay   time.Duration // initial backoff interval
	MaxDelay    time.Duration // cap on a single interval
	MaxElapsed  time.Duration // 0 means bounded only by MaxAttempts
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// NewBackOff builds the exponential policy for cfg bound to ctx.
func NewBackOff(ctx context.Context, cfg RetryConfig) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if cfg.BaseDelay > 0 {
		exp.InitialInterval = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		exp.MaxInterval = cfg.MaxDelay
	}
	exp.MaxElapsedTime = cfg.MaxElapsed
	var b backoff.BackOff = exp
	if cfg.MaxAttempts >= 0 {
		b = backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts))
	}
	return backoff.WithContext(b, ctx)
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// policy is exhausted.
func Retry(ctx context.Context, cfg RetryConfig, logger logging.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		result, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, NewBackOff(ctx, cfg), func(err error, wait time.Duration) {
		logger.Debug("attempt %d failed (%v), retrying in %s", attempt, err, wait)
	})
}
