package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryConfig controls Retry.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the wait between attempts.
	BackoffMultiplier float64
	// Jitter adds up to this fraction of randomness to each wait.
	Jitter float64
	// RetryableErrors decides whether an error is worth another attempt. Nil
	// retries everything.
	RetryableErrors func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.1,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries network errors and gives up on context
// cancellation and everything else.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := config.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	backoff := float64(config.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if config.MaxBackoff > 0 && backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	if config.Jitter > 0 {
		backoff += backoff * config.Jitter * rand.Float64()
	}
	return time.Duration(backoff)
}

// Retry calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. The last error is returned wrapped with the
// attempt count.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	_, err := RetryWithAttempts(ctx, config, fn)
	return err
}

// RetryWithAttempts is Retry that also reports how many attempts were made.
func RetryWithAttempts(ctx context.Context, config RetryConfig, fn func() error) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(calculateBackoff(attempt, config))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, errors.Wrap(ctx.Err(), "retry cancelled")
			case <-timer.C:
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return attempt + 1, nil
		}
		if config.RetryableErrors != nil && !config.RetryableErrors(lastErr) {
			return attempt + 1, lastErr
		}
	}
	return config.MaxRetries + 1, errors.Wrapf(lastErr, "giving up after %d attempts", config.MaxRetries+1)
}
